// Package id defines the TypeID identifiers used for Conductor records.
//
// An ID is "prefix_suffix" where the prefix names the record kind (job,
// batch) and the suffix is a UUIDv7, so IDs sort by creation time. Worker
// tokens, stream events and webhook deliveries share the same format.
package id

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record kind encoded in an ID.
type Prefix string

const (
	PrefixJob      Prefix = "job"
	PrefixBatch    Prefix = "batch"
	PrefixWorker   Prefix = "wkr"
	PrefixEvent    Prefix = "evt"
	PrefixDelivery Prefix = "dlv"
)

// ErrWrongKind is returned when a well-formed ID carries an unexpected
// prefix, e.g. a batch ID passed where a job ID is required.
var ErrWrongKind = errors.New("id: wrong kind")

// ID identifies a job, batch, worker claim, stream event or webhook
// delivery. The zero value is [Nil].
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the absent ID. A standalone job has a Nil BatchID.
var Nil ID

type (
	JobID      = ID
	BatchID    = ID
	WorkerID   = ID
	EventID    = ID
	DeliveryID = ID
)

// New returns a fresh ID of kind p. An invalid prefix is a programming
// error and panics.
func New(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", p, err))
	}
	return ID{tid: tid, set: true}
}

func NewJobID() JobID           { return New(PrefixJob) }
func NewBatchID() BatchID       { return New(PrefixBatch) }
func NewEventID() EventID       { return New(PrefixEvent) }
func NewDeliveryID() DeliveryID { return New(PrefixDelivery) }

// NewWorkerID mints a worker token. A job claimed with it can only be
// reported on by the holder of the same token.
func NewWorkerID() WorkerID { return New(PrefixWorker) }

// Parse decodes s without checking its kind.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, errors.New("id: empty")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseAs decodes s and requires kind p. A kind mismatch wraps
// [ErrWrongKind].
func ParseAs(s string, p Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if !v.Is(p) {
		return Nil, fmt.Errorf("%w: %q is not a %s id", ErrWrongKind, s, p)
	}
	return v, nil
}

// ParseJobID decodes a job ID taken from a path or payload.
func ParseJobID(s string) (JobID, error) { return ParseAs(s, PrefixJob) }

// ParseBatchID decodes a batch ID taken from a path or payload.
func ParseBatchID(s string) (BatchID, error) { return ParseAs(s, PrefixBatch) }

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) ID {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ──────────────────────────────────────────────────
// Methods
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

// Prefix returns the kind of i, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// Is reports whether i is a non-nil ID of kind p.
func (i ID) Is(p Prefix) bool { return i.set && i.Prefix() == p }

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.set }

// MarshalText encodes Nil as an empty string so that an absent batch ID
// serializes as "".
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts an empty input as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Value stores Nil as SQL NULL, which keeps the batch_id column of a
// standalone job empty.
func (i ID) Value() (driver.Value, error) {
	if !i.set {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.tid.String(), nil
}

// Scan reads a TEXT, BLOB or NULL column.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}
