package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendiffdev/conductor/backoff"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Conductor-Event"
	HeaderDelivery  = "X-Conductor-Delivery"
	HeaderSignature = "X-Conductor-Signature"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultAttempts  = 5
	DefaultTimeout   = 10 * time.Second
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

// errBlockedAddress is returned by the dialer for non-public peers.
var errBlockedAddress = errors.New("webhook: refusing to dial non-public address")

// Payload is the JSON body posted to a webhook URL.
type Payload struct {
	Event     job.WebhookEvent `json:"event"`
	JobID     string           `json:"job_id"`
	Status    job.Status       `json:"status"`
	Progress  float64          `json:"progress"`
	BatchID   string           `json:"batch_id,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewPayload builds the payload for event from the current job record.
func NewPayload(j *job.Job, event job.WebhookEvent, now time.Time) Payload {
	p := Payload{
		Event:     event,
		JobID:     j.ID.String(),
		Status:    j.Status,
		Progress:  j.Progress,
		Error:     j.ErrorMessage,
		Timestamp: now.UTC(),
	}
	if !j.BatchID.IsNil() {
		p.BatchID = j.BatchID.String()
	}
	return p
}

type delivery struct {
	id      string
	url     string
	payload Payload
}

// Stats counts deliveries by outcome.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Exhausted int64 `json:"exhausted"`
	Dropped   int64 `json:"dropped"`
}

// Sender posts webhook payloads asynchronously.
type Sender struct {
	http     *resty.Client
	logger   *slog.Logger
	secret   []byte
	attempts int
	timeout  time.Duration
	strategy backoff.Strategy
	workers  int
	now      func() time.Time

	allowPrivate bool

	queue  chan delivery
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	state  int // 0 idle, 1 running, 2 stopped

	delivered atomic.Int64
	exhausted atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Sender.
type Option func(*Sender)

// WithSecret enables HMAC-SHA256 signing of every body.
func WithSecret(secret string) Option {
	return func(s *Sender) { s.secret = []byte(secret) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// WithAttempts sets the maximum number of attempts per delivery.
func WithAttempts(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the capacity of the pending delivery queue.
func WithQueueSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.queue = make(chan delivery, n)
		}
	}
}

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Sender) { s.strategy = b }
}

// WithAllowPrivate lets the sender dial non-public addresses.
func WithAllowPrivate(allow bool) Option {
	return func(s *Sender) { s.allowPrivate = allow }
}

// NewSender creates a Sender. Deliveries queued before Start are sent once
// the workers run.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		logger:   slog.Default(),
		attempts: DefaultAttempts,
		timeout:  DefaultTimeout,
		strategy: backoff.NewExponential(time.Second, time.Minute),
		workers:  DefaultWorkers,
		now:      time.Now,
		queue:    make(chan delivery, DefaultQueueSize),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.http = resty.New().
		SetTimeout(s.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "conductor-webhook/1")
	if !s.allowPrivate {
		s.http.SetTransport(guardedTransport())
	}
	return s
}

// Start launches the delivery workers.
func (s *Sender) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != 0 {
		return nil
	}
	s.state = 1

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for range s.workers {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.logger.Info("webhook sender started", slog.Int("workers", s.workers))
	return nil
}

// Stop stops accepting deliveries, drains the queue and waits for the
// workers. In-flight attempts are cancelled when ctx is done.
func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != 1 {
		s.state = 2
		s.mu.Unlock()
		return nil
	}
	s.state = 2
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("webhook sender stopped")
	case <-ctx.Done():
		s.logger.Warn("webhook sender shutdown timed out, cancelling deliveries")
		s.cancel()
		<-done
	}
	s.cancel()
	return nil
}

// Notify queues event for j when the job subscribed to it. It never
// blocks; a full queue drops the delivery and logs it. It reports whether
// a delivery was queued.
func (s *Sender) Notify(_ context.Context, j *job.Job, event job.WebhookEvent) bool {
	if !j.Subscribed(event) {
		return false
	}

	s.mu.Lock()
	stopped := s.state == 2
	s.mu.Unlock()
	if stopped {
		return false
	}

	d := delivery{
		id:      id.NewDeliveryID().String(),
		url:     j.WebhookURL,
		payload: NewPayload(j, event, s.now()),
	}
	select {
	case s.queue <- d:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("webhook queue full, dropping delivery",
			slog.String("job_id", d.payload.JobID),
			slog.String("event", string(event)),
		)
		return false
	}
}

// Stats returns delivery counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Exhausted: s.exhausted.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Sender) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case d := <-s.queue:
			s.deliver(ctx, d)
		case <-s.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case d := <-s.queue:
					s.deliver(ctx, d)
				default:
					return
				}
			}
		}
	}
}

func (s *Sender) deliver(ctx context.Context, d delivery) {
	body, err := json.Marshal(d.payload)
	if err != nil {
		s.logger.Error("webhook payload marshal failed", slog.String("error", err.Error()))
		return
	}

	err = backoff.Retry(ctx, s.strategy, s.attempts, func(ctx context.Context, attempt int) error {
		return s.send(ctx, d, body, attempt)
	})
	if err != nil {
		s.exhausted.Add(1)
		s.logger.Error("webhook delivery failed",
			slog.String("delivery_id", d.id),
			slog.String("job_id", d.payload.JobID),
			slog.String("event", string(d.payload.Event)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.delivered.Add(1)
}

// send makes one attempt. Client errors and blocked addresses are
// permanent.
func (s *Sender) send(ctx context.Context, d delivery, body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := s.http.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, string(d.payload.Event)).
		SetHeader(HeaderDelivery, d.id).
		SetBody(body)
	if len(s.secret) > 0 {
		req.SetHeader(HeaderSignature, "sha256="+Sign(s.secret, body))
	}

	resp, err := req.Post(d.url)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("webhook attempt failed",
			slog.String("delivery_id", d.id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return backoff.Permanent(fmt.Errorf("webhook: %s returned %d", d.url, code))
	default:
		s.logger.Debug("webhook attempt rejected",
			slog.String("delivery_id", d.id),
			slog.Int("attempt", attempt),
			slog.Int("status", code),
		)
		return fmt.Errorf("webhook: %s returned %d", d.url, code)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature (with or without the "sha256=" prefix)
// matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// guardedTransport refuses connections to non-public addresses at dial
// time, after DNS resolution.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: %s", errBlockedAddress, address)
			}
			if !Public(ap.Addr()) {
				return fmt.Errorf("%w: %s", errBlockedAddress, ap.Addr())
			}
			return nil
		},
	}
	t := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck // DefaultTransport is always *http.Transport
	t.DialContext = dialer.DialContext
	return t
}
