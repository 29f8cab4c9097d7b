package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
)

type fakeAPI struct {
	mu       sync.Mutex
	queues   map[string][]string
	deleted  int
	sendErr  error
	sequence int
}

func newFakeAPI() *fakeAPI { return &fakeAPI{queues: make(map[string][]string)} }

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], aws.ToString(in.MessageBody))
	f.sequence++
	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprintf("msg-%d", f.sequence))}, nil
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	if len(f.queues[url]) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	body := f.queues[url][0]
	f.queues[url] = f.queues[url][1:]
	return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh"),
	}}}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _ *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return &sqs.DeleteMessageOutput{}, nil
}

var testURLs = URLs{
	High:    "https://sqs.local/high",
	Normal:  "https://sqs.local/normal",
	Low:     "https://sqs.local/low",
	Control: "https://sqs.local/control",
}

func TestNew_RequiresTierURLs(t *testing.T) {
	if _, err := New(newFakeAPI(), URLs{High: "x"}); err == nil {
		t.Fatal("expected error for missing URLs")
	}
}

func TestEnqueue_SendsEnvelopeToTier(t *testing.T) {
	f := newFakeAPI()
	d, err := New(f, testURLs)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	jid := id.NewJobID()
	h, err := d.Enqueue(context.Background(), jid, job.PriorityLow)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.Backend != BackendName || h.Queue != queue.QueueLow || h.MessageID == "" {
		t.Fatalf("unexpected handle %+v", h)
	}

	msgs := f.queues[testURLs.Low]
	if len(msgs) != 1 {
		t.Fatalf("low queue has %d messages, want 1", len(msgs))
	}
	var env Envelope
	if err := json.Unmarshal([]byte(msgs[0]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != "job" || env.JobID != jid.String() || env.Queue != queue.QueueLow {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestEnqueue_SendErrorIsUnavailable(t *testing.T) {
	f := newFakeAPI()
	f.sendErr = errors.New("throttled")
	d, _ := New(f, testURLs)
	defer d.Close()

	_, err := d.Enqueue(context.Background(), id.NewJobID(), job.PriorityNormal)
	if !errors.Is(err, conductor.ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
}

func TestSignalRunningCancel_ControlQueue(t *testing.T) {
	f := newFakeAPI()
	d, _ := New(f, testURLs)
	defer d.Close()

	jid := id.NewJobID()
	if err := d.SignalRunningCancel(context.Background(), jid, "wkr_x"); err != nil {
		t.Fatalf("SignalRunningCancel: %v", err)
	}
	msgs := f.queues[testURLs.Control]
	if len(msgs) != 1 {
		t.Fatalf("control queue has %d messages, want 1", len(msgs))
	}
	var env Envelope
	_ = json.Unmarshal([]byte(msgs[0]), &env)
	if env.Kind != "cancel" || env.Token != "wkr_x" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestNext_PrefersHighTier(t *testing.T) {
	f := newFakeAPI()
	d, _ := New(f, testURLs)
	defer d.Close()
	ctx := context.Background()

	low, high := id.NewJobID(), id.NewJobID()
	_, _ = d.Enqueue(ctx, low, job.PriorityLow)
	_, _ = d.Enqueue(ctx, high, job.PriorityHigh)

	first, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.JobID != high {
		t.Fatalf("first = %s, want high job", first.JobID)
	}
	second, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.JobID != low || second.Queue != queue.QueueLow {
		t.Fatalf("unexpected second delivery %+v", second)
	}
	if f.deleted != 2 {
		t.Fatalf("deleted %d messages, want 2", f.deleted)
	}
}

func TestCancel_IsNoop(t *testing.T) {
	d, _ := New(newFakeAPI(), testURLs)
	if err := d.Cancel(context.Background(), id.NewJobID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_ = d.Close()
	if err := d.Cancel(context.Background(), id.NewJobID()); !errors.Is(err, conductor.ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}
