// Package local implements storage.Backend on a directory of the local
// filesystem. References are slash-separated paths relative to the root,
// optionally prefixed with "file://".
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendiffdev/conductor/storage"
)

// Scheme is the reference scheme served by this backend.
const Scheme = "file"

var _ storage.Backend = (*Backend)(nil)

// Backend stores objects under a root directory.
type Backend struct {
	root string
}

// New creates a Backend rooted at dir, creating it when missing.
func New(dir string) (*Backend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage/local: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage/local: create root: %w", err)
	}
	return &Backend{root: abs}, nil
}

// Root returns the root directory.
func (b *Backend) Root() string { return b.root }

// resolve maps ref to a path under the root. References that would escape
// the root are rejected.
func (b *Backend) resolve(ref string) (string, error) {
	key := strings.TrimPrefix(ref, Scheme+"://")
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidRef, ref)
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// Exists implements storage.Backend.
func (b *Backend) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := b.resolve(ref)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("storage/local: stat %q: %w", ref, err)
	}
	return info.Mode().IsRegular(), nil
}

// Read implements storage.Backend.
func (b *Backend) Read(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", storage.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/local: open %q: %w", ref, err)
	}
	return f, nil
}

// Write implements storage.Backend. The object appears atomically once
// fully written.
func (b *Backend) Write(ctx context.Context, ref string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := b.resolve(ref)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("storage/local: create dir for %q: %w", ref, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("storage/local: create %q: %w", ref, err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("storage/local: write %q: %w", ref, err)
	}
	return n, nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := b.resolve(ref)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("storage/local: delete %q: %w", ref, err)
	}
	return true, nil
}

// List implements storage.Backend. Prefix matches on the slash-separated
// key, so "videos/a" lists "videos/a.mp4" and "videos/a/b.mp4".
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	key := strings.TrimPrefix(prefix, Scheme+"://")
	key = strings.TrimPrefix(key, "/")

	// Walk from the deepest directory the prefix names.
	dir := b.root
	if i := strings.LastIndex(key, "/"); i >= 0 {
		sub, err := b.resolve(key[:i])
		if err != nil {
			return nil, err
		}
		dir = sub
	}

	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, key) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage/local: list %q: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Copy implements storage.Backend.
func (b *Backend) Copy(ctx context.Context, src, dst string) (bool, error) {
	r, err := b.Read(ctx, src)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer r.Close()
	if _, err := b.Write(ctx, dst, r); err != nil {
		return false, err
	}
	return true, nil
}
