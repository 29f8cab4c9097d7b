package orchestrator

import (
	"context"
	"fmt"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Progress is a point-in-time view of a batch.
type Progress struct {
	BatchID string       `json:"batch_id"`
	Status  batch.Status `json:"status"`
	Percent float64      `json:"percent"`
	Counts  batch.Counts `json:"counts"`
}

// Stats summarises the outcome of a batch's children. Quality averages
// are over completed children that reported the metric and are nil when
// none did.
type Stats struct {
	BatchID              string       `json:"batch_id"`
	Status               batch.Status `json:"status"`
	Counts               batch.Counts `json:"counts"`
	SuccessRate          float64      `json:"success_rate"`
	AvgProcessingSeconds float64      `json:"avg_processing_seconds"`
	AvgVMAF              *float64     `json:"avg_vmaf,omitempty"`
	AvgPSNR              *float64     `json:"avg_psnr,omitempty"`
	AvgSSIM              *float64     `json:"avg_ssim,omitempty"`
	TotalOutputBytes     int64        `json:"total_output_bytes"`
}

// Progress returns the batch's status, counts and mean child progress.
// Terminal children count as 100 percent.
func (o *Orchestrator) Progress(ctx context.Context, batchID id.BatchID) (*Progress, error) {
	b, children, err := o.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		BatchID: b.ID.String(),
		Status:  b.Status,
		Percent: MeanProgress(children),
		Counts:  batch.Tally(children),
	}, nil
}

// Stats returns outcome statistics for the batch.
func (o *Orchestrator) Stats(ctx context.Context, batchID id.BatchID) (*Stats, error) {
	b, children, err := o.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s := Summarise(children)
	s.BatchID = b.ID.String()
	s.Status = b.Status
	return s, nil
}

func (o *Orchestrator) load(ctx context.Context, batchID id.BatchID) (*batch.Batch, []*job.Job, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	children, err := o.store.ListJobs(ctx, job.ListOpts{BatchID: batchID})
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: list children: %w", err)
	}
	return b, children, nil
}

// MeanProgress is the mean progress of jobs, with terminal jobs counted
// as complete.
func MeanProgress(jobs []*job.Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var sum float64
	for _, j := range jobs {
		if j.Status.IsTerminal() {
			sum += 100
			continue
		}
		sum += j.Progress
	}
	return sum / float64(len(jobs))
}

// Summarise computes Stats over jobs. SuccessRate is the percentage of
// terminal jobs that completed.
func Summarise(jobs []*job.Job) *Stats {
	s := &Stats{Counts: batch.Tally(jobs)}
	if t := s.Counts.Terminal(); t > 0 {
		s.SuccessRate = float64(s.Counts.Completed) * 100 / float64(t)
	}

	var (
		timed            int
		seconds          float64
		vmaf, psnr, ssim mean
	)
	for _, j := range jobs {
		if j.Status != job.StatusCompleted {
			continue
		}
		if d := j.ProcessingTime(); d > 0 {
			timed++
			seconds += d.Seconds()
		}
		if m := j.Metrics; m != nil {
			vmaf.add(m.VMAF)
			psnr.add(m.PSNR)
			ssim.add(m.SSIM)
			s.TotalOutputBytes += m.OutputSizeBytes
		}
	}
	if timed > 0 {
		s.AvgProcessingSeconds = seconds / float64(timed)
	}
	s.AvgVMAF = vmaf.value()
	s.AvgPSNR = psnr.value()
	s.AvgSSIM = ssim.value()
	return s
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}
