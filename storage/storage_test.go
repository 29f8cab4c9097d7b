package storage_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rendiffdev/conductor/storage"
	"github.com/rendiffdev/conductor/storage/local"
)

func TestScheme(t *testing.T) {
	cases := map[string]string{
		"s3://bucket/key":  "s3",
		"FILE://videos/a":  "file",
		"videos/a.mp4":     "",
		"://odd":           "",
		"/abs/path/in.mov": "",
	}
	for ref, want := range cases {
		if got := storage.Scheme(ref); got != want {
			t.Errorf("Scheme(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestMux_RoutesByScheme(t *testing.T) {
	ctx := context.Background()
	a, _ := local.New(t.TempDir())
	b, _ := local.New(t.TempDir())

	m := storage.NewMux()
	m.Handle("", a)
	m.Handle("file", b)

	if _, err := m.Write(ctx, "clip.mp4", strings.NewReader("bare")); err != nil {
		t.Fatalf("write bare: %v", err)
	}
	if ok, _ := a.Exists(ctx, "clip.mp4"); !ok {
		t.Error("bare ref should go to the default backend")
	}
	if ok, _ := b.Exists(ctx, "clip.mp4"); ok {
		t.Error("bare ref leaked to the file backend")
	}

	if _, err := m.Exists(ctx, "s3://bucket/clip.mp4"); !errors.Is(err, storage.ErrUnsupportedRef) {
		t.Fatalf("err = %v, want ErrUnsupportedRef", err)
	}
	if got := m.Schemes(); len(got) != 2 || got[0] != "" || got[1] != "file" {
		t.Errorf("schemes = %v", got)
	}
}

func TestMux_CopyAcrossBackends(t *testing.T) {
	ctx := context.Background()
	a, _ := local.New(t.TempDir())
	b, _ := local.New(t.TempDir())
	m := storage.NewMux()
	m.Handle("", a)
	m.Handle("file", b)

	_, _ = a.Write(ctx, "src.mp4", strings.NewReader("payload"))
	ok, err := m.Copy(ctx, "src.mp4", "file://dst.mp4")
	if err != nil || !ok {
		t.Fatalf("copy = %v, %v", ok, err)
	}
	r, err := b.Read(ctx, "dst.mp4")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}

	if ok, err := m.Copy(ctx, "missing.mp4", "file://x.mp4"); ok || err != nil {
		t.Errorf("copy missing = %v, %v", ok, err)
	}
}
