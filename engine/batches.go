package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/orchestrator"
)

// SubmitBatch admits req for clientID and starts its driver. The batch is
// persisted even if the driver cannot start now; Resume picks it up on
// the next start.
func (eng *Engine) SubmitBatch(ctx context.Context, clientID string, req admission.BatchRequest) (*batch.Batch, []*job.Job, error) {
	b, children, err := eng.admission.SubmitBatch(ctx, clientID, req)
	if err != nil {
		return nil, nil, err
	}
	if err := eng.orch.Start(ctx, b.ID); err != nil {
		eng.logger.Warn("batch driver not started",
			slog.String("batch_id", b.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return b, children, nil
}

// GetBatch returns a batch owned by clientID. Batches of other clients
// are reported as not found.
func (eng *Engine) GetBatch(ctx context.Context, clientID string, batchID id.BatchID) (*batch.Batch, error) {
	b, err := eng.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.ClientID != clientID {
		return nil, conductor.ErrBatchNotFound
	}
	return b, nil
}

// ListBatches returns clientID's batches matching opts.
func (eng *Engine) ListBatches(ctx context.Context, clientID string, opts batch.ListOpts) ([]*batch.Batch, error) {
	opts.ClientID = clientID
	return eng.store.ListBatches(ctx, opts)
}

// BatchJobs returns the children of a batch owned by clientID.
func (eng *Engine) BatchJobs(ctx context.Context, clientID string, batchID id.BatchID, opts job.ListOpts) ([]*job.Job, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, err
	}
	opts.ClientID = clientID
	opts.BatchID = batchID
	return eng.store.ListJobs(ctx, opts)
}

// UpdateBatch edits a non-terminal batch. A priority change applies to
// children dispatched after it.
func (eng *Engine) UpdateBatch(ctx context.Context, clientID string, batchID id.BatchID, u batch.Update) (*batch.Batch, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, err
	}
	return eng.store.UpdateBatch(ctx, batchID, u)
}

// CancelBatch cancels a batch and its unfinished children.
func (eng *Engine) CancelBatch(ctx context.Context, clientID string, batchID id.BatchID) (*batch.Batch, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, err
	}
	return eng.orch.Cancel(ctx, batchID)
}

// RetryBatch requeues the failed children of a batch under its retry
// ceiling. A finished batch must fit its cap within the client's quota
// again.
func (eng *Engine) RetryBatch(ctx context.Context, clientID string, batchID id.BatchID) (*batch.Batch, []*job.Job, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, nil, err
	}
	limit, err := eng.admission.Limit(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	b, requeued, err := eng.orch.RetryFailed(ctx, batchID, limit)
	if errors.Is(err, orchestrator.ErrStopped) {
		return b, requeued, nil
	}
	return b, requeued, err
}

// BatchProgress returns the live progress of a batch.
func (eng *Engine) BatchProgress(ctx context.Context, clientID string, batchID id.BatchID) (*orchestrator.Progress, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, err
	}
	return eng.orch.Progress(ctx, batchID)
}

// BatchStats returns outcome statistics for a batch.
func (eng *Engine) BatchStats(ctx context.Context, clientID string, batchID id.BatchID) (*orchestrator.Stats, error) {
	if _, err := eng.GetBatch(ctx, clientID, batchID); err != nil {
		return nil, err
	}
	return eng.orch.Stats(ctx, batchID)
}
