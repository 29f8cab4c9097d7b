// Package storage defines the narrow contract the engine and executors use
// to reach media objects, and a Mux that routes references to backends by
// scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a referenced object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrUnsupportedRef is returned when no backend serves a reference.
	ErrUnsupportedRef = errors.New("storage: unsupported reference")
	// ErrInvalidRef is returned for references a backend cannot address.
	ErrInvalidRef = errors.New("storage: invalid reference")
)

// Backend reads and writes media objects addressed by opaque references.
type Backend interface {
	// Exists reports whether ref names an object.
	Exists(ctx context.Context, ref string) (bool, error)

	// Read opens ref for reading. The caller closes the reader.
	Read(ctx context.Context, ref string) (io.ReadCloser, error)

	// Write stores r at ref and returns the number of bytes written.
	Write(ctx context.Context, ref string, r io.Reader) (int64, error)

	// Delete removes ref. It reports false when nothing was there.
	Delete(ctx context.Context, ref string) (bool, error)

	// List returns the references under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Copy duplicates src to dst. It reports false when src is missing.
	Copy(ctx context.Context, src, dst string) (bool, error)
}

// Scheme returns the scheme of ref ("s3" for "s3://bucket/key") or the
// empty string for a bare path.
func Scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(ref[:i])
}

// Mux routes references to backends by scheme. Bare paths go to the
// backend registered for the empty scheme.
type Mux struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

var _ Backend = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Backend)}
}

// Handle registers b for scheme. Registering a scheme twice replaces the
// earlier backend.
func (m *Mux) Handle(scheme string, b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[strings.ToLower(scheme)] = b
}

// Schemes lists the registered schemes.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.backends))
	for s := range m.backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) backend(ref string) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[Scheme(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	return b, nil
}

// Exists implements Backend.
func (m *Mux) Exists(ctx context.Context, ref string) (bool, error) {
	b, err := m.backend(ref)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, ref)
}

// Read implements Backend.
func (m *Mux) Read(ctx context.Context, ref string) (io.ReadCloser, error) {
	b, err := m.backend(ref)
	if err != nil {
		return nil, err
	}
	return b.Read(ctx, ref)
}

// Write implements Backend.
func (m *Mux) Write(ctx context.Context, ref string, r io.Reader) (int64, error) {
	b, err := m.backend(ref)
	if err != nil {
		return 0, err
	}
	return b.Write(ctx, ref, r)
}

// Delete implements Backend.
func (m *Mux) Delete(ctx context.Context, ref string) (bool, error) {
	b, err := m.backend(ref)
	if err != nil {
		return false, err
	}
	return b.Delete(ctx, ref)
}

// List implements Backend.
func (m *Mux) List(ctx context.Context, prefix string) ([]string, error) {
	b, err := m.backend(prefix)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, prefix)
}

// Copy implements Backend. Copies across backends stream through the
// engine.
func (m *Mux) Copy(ctx context.Context, src, dst string) (bool, error) {
	sb, err := m.backend(src)
	if err != nil {
		return false, err
	}
	db, err := m.backend(dst)
	if err != nil {
		return false, err
	}
	if Scheme(src) == Scheme(dst) {
		return sb.Copy(ctx, src, dst)
	}

	r, err := sb.Read(ctx, src)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer r.Close()
	if _, err := db.Write(ctx, dst, r); err != nil {
		return false, err
	}
	return true, nil
}
