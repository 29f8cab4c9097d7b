package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/job"
)

var (
	_ ext.Extension     = (*Broker)(nil)
	_ ext.JobQueued     = (*Broker)(nil)
	_ ext.JobStarted    = (*Broker)(nil)
	_ ext.JobProgressed = (*Broker)(nil)
	_ ext.JobCompleted  = (*Broker)(nil)
	_ ext.JobFailed     = (*Broker)(nil)
	_ ext.JobCancelled  = (*Broker)(nil)
	_ ext.JobRetried    = (*Broker)(nil)
	_ ext.BatchStarted  = (*Broker)(nil)
	_ ext.BatchFinished = (*Broker)(nil)
	_ ext.Shutdown      = (*Broker)(nil)
)

const (
	// DefaultBufferSize is the per-subscriber channel capacity.
	DefaultBufferSize = 256

	// DefaultCredits is the credit balance of a new subscriber.
	DefaultCredits int64 = 1000
)

// Broker fans job and batch lifecycle events out to in-process
// subscribers: batch drivers, SSE streams and websocket connections. It is
// registered as an extension so it sees every lifecycle hook.
//
// Delivery is best-effort. Consumers that must not miss a state change
// treat events as wake-ups and re-read the store.
type Broker struct {
	logger     *slog.Logger
	bufferSize int
	credits    int64

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	topics map[string]map[string]*Subscriber

	published atomic.Int64
	dropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

func WithBufferSize(n int) BrokerOption { return func(b *Broker) { b.bufferSize = n } }

func WithDefaultCredits(n int64) BrokerOption { return func(b *Broker) { b.credits = n } }

// NewBroker returns an empty broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		credits:    DefaultCredits,
		subs:       make(map[string]*Subscriber),
		topics:     make(map[string]map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Name() string { return "stream-broker" }

// Subscribe registers subscriberID on topics. An existing subscriber with
// the same ID is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := newSubscriber(subscriberID, topics, b.bufferSize, b.credits)

	b.mu.Lock()
	old := b.detach(subscriberID)
	b.subs[subscriberID] = sub
	for _, t := range topics {
		set, ok := b.topics[t]
		if !ok {
			set = make(map[string]*Subscriber)
			b.topics[t] = set
		}
		set[subscriberID] = sub
	}
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return sub
}

// RemoveSubscriber detaches a subscriber and closes its channel.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	sub := b.detach(subscriberID)
	b.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// detach removes a subscriber from every index. Callers hold b.mu.
func (b *Broker) detach(subscriberID string) *Subscriber {
	sub, ok := b.subs[subscriberID]
	if !ok {
		return nil
	}
	delete(b.subs, subscriberID)
	for _, t := range sub.topics {
		delete(b.topics[t], subscriberID)
		if len(b.topics[t]) == 0 {
			delete(b.topics, t)
		}
	}
	return sub
}

// BrokerStats is a snapshot of broker activity.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BrokerStats{
		TopicCount:      len(b.topics),
		SubscriberCount: len(b.subs),
		TotalPublished:  b.published.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}

// publish delivers evt once to every subscriber of any of topics.
func (b *Broker) publish(evt *Event, topics ...string) {
	b.mu.RLock()
	targets := make(map[string]*Subscriber)
	for _, t := range topics {
		for sid, sub := range b.topics[t] {
			targets[sid] = sub
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.send(evt) {
			b.published.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

func (b *Broker) publishJob(t EventType, j *job.Job, elapsed time.Duration, errMsg string) {
	data := JobEventData{
		JobID:     j.ID.String(),
		ClientID:  j.ClientID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Stage:     j.Stage,
		ElapsedMs: elapsed.Milliseconds(),
		Error:     errMsg,
	}
	topics := []string{JobTopic(data.JobID), ClientTopic(j.ClientID)}
	if !j.BatchID.IsNil() {
		data.BatchID = j.BatchID.String()
		topics = append(topics, BatchTopic(data.BatchID))
	}
	b.publish(&Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Topic:     topics[0],
		Data:      mustMarshal(data),
	}, topics...)
}

func (b *Broker) OnJobQueued(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobQueued, j, 0, "")
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobStarted, j, 0, "")
	return nil
}

func (b *Broker) OnJobProgressed(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobProgress, j, 0, "")
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	b.publishJob(EventJobCompleted, j, elapsed, "")
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	msg := j.ErrorMessage
	if jobErr != nil {
		msg = jobErr.Error()
	}
	b.publishJob(EventJobFailed, j, 0, msg)
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobCancelled, j, 0, "")
	return nil
}

func (b *Broker) OnJobRetried(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobRetried, j, 0, "")
	return nil
}

// ──────────────────────────────────────────────────
// Batch hooks
// ──────────────────────────────────────────────────

func (b *Broker) publishBatch(t EventType, bt *batch.Batch, elapsed time.Duration) {
	data := BatchEventData{
		BatchID:       bt.ID.String(),
		ClientID:      bt.ClientID,
		Status:        string(bt.Status),
		TotalJobs:     bt.TotalJobs,
		CompletedJobs: bt.CompletedJobs,
		FailedJobs:    bt.FailedJobs,
		CancelledJobs: bt.CancelledJobs,
		ElapsedMs:     elapsed.Milliseconds(),
		Message:       bt.ErrorMessage,
	}
	topic := BatchTopic(data.BatchID)
	b.publish(&Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Data:      mustMarshal(data),
	}, topic, ClientTopic(bt.ClientID))
}

func (b *Broker) OnBatchStarted(_ context.Context, bt *batch.Batch) error {
	b.publishBatch(EventBatchStarted, bt, 0)
	return nil
}

func (b *Broker) OnBatchFinished(_ context.Context, bt *batch.Batch, elapsed time.Duration) error {
	b.publishBatch(EventBatchFinished, bt, elapsed)
	return nil
}

// OnShutdown closes every subscriber so that streams end.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.topics = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}
