// Package sqs provides a queue.Dispatcher backed by AWS SQS, one queue per
// priority tier plus an optional control queue for running-cancel signals.
//
// SQS cannot revoke a sent message, so Cancel is a no-op here: the store
// transition to cancelled is authoritative and the executor's claim of a
// cancelled job fails.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
)

// Compile-time interface checks.
var (
	_ queue.Dispatcher = (*Dispatcher)(nil)
	_ queue.Source     = (*Dispatcher)(nil)
)

// BackendName identifies this backend in queue.Handle.
const BackendName = "sqs"

// API is the subset of the SQS client the dispatcher uses. *sqs.Client
// satisfies it.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// URLs holds the queue URL for every tier and the control queue.
type URLs struct {
	High    string `yaml:"high"`
	Normal  string `yaml:"normal"`
	Low     string `yaml:"low"`
	Control string `yaml:"control"`
}

func (u URLs) tier(name string) string {
	switch name {
	case queue.QueueHigh:
		return u.High
	case queue.QueueLow:
		return u.Low
	default:
		return u.Normal
	}
}

// Validate checks that every tier has a URL.
func (u URLs) Validate() error {
	if u.High == "" || u.Normal == "" || u.Low == "" {
		return errors.New("sqs: high, normal and low queue URLs are required")
	}
	return nil
}

// Envelope is the JSON message body. Kind is "job" on tier queues and
// "cancel" on the control queue.
type Envelope struct {
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id"`
	Queue      string    `json:"queue,omitempty"`
	Token      string    `json:"token,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPollInterval sets how long Next sleeps when every tier is empty.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Dispatcher) {
		if iv > 0 {
			d.pollInterval = iv
		}
	}
}

// Dispatcher is an SQS-backed dispatcher.
type Dispatcher struct {
	api          API
	urls         URLs
	logger       *slog.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates a dispatcher on an existing SQS client.
func New(api API, urls URLs, opts ...Option) (*Dispatcher, error) {
	if err := urls.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		api:          api,
		urls:         urls,
		logger:       slog.Default(),
		pollInterval: time.Second,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// NewFromEnv loads the default AWS configuration (environment, shared
// config, instance role) and creates a dispatcher on it.
func NewFromEnv(ctx context.Context, urls URLs, opts ...Option) (*Dispatcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return New(sqs.NewFromConfig(awsCfg), urls, opts...)
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Enqueue sends a job envelope to the tier queue for p.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID id.JobID, p job.Priority) (queue.Handle, error) {
	if d.isClosed() {
		return queue.Handle{}, conductor.ErrDispatcherClosed
	}
	name := queue.QueueFor(p)
	body, err := json.Marshal(Envelope{
		Kind:       "job",
		JobID:      jobID.String(),
		Queue:      name,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return queue.Handle{}, fmt.Errorf("sqs: encode envelope: %w", err)
	}

	out, err := d.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.urls.tier(name)),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return queue.Handle{}, fmt.Errorf("%w: sqs send: %w", conductor.ErrDispatchUnavailable, err)
	}
	return queue.Handle{Backend: BackendName, Queue: name, MessageID: aws.ToString(out.MessageId)}, nil
}

// Cancel is a no-op: SQS cannot revoke a sent message.
func (d *Dispatcher) Cancel(_ context.Context, jobID id.JobID) error {
	if d.isClosed() {
		return conductor.ErrDispatcherClosed
	}
	d.logger.Debug("sqs cannot revoke queued job; relying on store state",
		slog.String("job_id", jobID.String()),
	)
	return nil
}

// SignalRunningCancel sends a cancel envelope to the control queue. Without
// a control queue it is a no-op.
func (d *Dispatcher) SignalRunningCancel(ctx context.Context, jobID id.JobID, token string) error {
	if d.isClosed() {
		return conductor.ErrDispatcherClosed
	}
	if d.urls.Control == "" {
		return nil
	}
	body, err := json.Marshal(Envelope{
		Kind:       "cancel",
		JobID:      jobID.String(),
		Token:      token,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("sqs: encode envelope: %w", err)
	}
	if _, err := d.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.urls.Control),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("sqs signal %s: %w", jobID, err)
	}
	return nil
}

// Next receives one job from the highest non-empty tier. A message is
// deleted as soon as it is received; the store claim decides whether the
// job actually runs.
func (d *Dispatcher) Next(ctx context.Context) (queue.Delivery, error) {
	for {
		if d.isClosed() {
			return queue.Delivery{}, conductor.ErrDispatcherClosed
		}
		for _, name := range queue.Tiers {
			del, ok, err := d.receive(ctx, name)
			if err != nil {
				return queue.Delivery{}, err
			}
			if ok {
				return del, nil
			}
		}

		timer := time.NewTimer(d.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.Delivery{}, ctx.Err()
		case <-d.done:
			timer.Stop()
			return queue.Delivery{}, conductor.ErrDispatcherClosed
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) receive(ctx context.Context, name string) (queue.Delivery, bool, error) {
	url := d.urls.tier(name)
	resp, err := d.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
	})
	if err != nil {
		return queue.Delivery{}, false, fmt.Errorf("sqs receive %s: %w", name, err)
	}
	if len(resp.Messages) == 0 {
		return queue.Delivery{}, false, nil
	}
	m := resp.Messages[0]
	if m.ReceiptHandle != nil {
		if _, err := d.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			d.logger.Warn("sqs delete failed", slog.String("queue", name), slog.String("error", err.Error()))
		}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &env); err != nil {
		d.logger.Warn("dropping malformed sqs message", slog.String("queue", name), slog.String("error", err.Error()))
		return queue.Delivery{}, false, nil
	}
	jobID, err := id.ParseJobID(env.JobID)
	if err != nil {
		d.logger.Warn("dropping sqs message with bad job id", slog.String("queue", name), slog.String("job_id", env.JobID))
		return queue.Delivery{}, false, nil
	}
	return queue.Delivery{JobID: jobID, Queue: name}, true, nil
}

// Watch returns a channel that never fires: running-cancel signals are
// addressed to remote executors through the control queue.
func (d *Dispatcher) Watch(_ id.JobID) (<-chan queue.CancelSignal, func()) {
	return make(chan queue.CancelSignal), func() {}
}

// Close marks the dispatcher closed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}
