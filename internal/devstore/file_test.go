package devstore

import (
	"context"
	"path/filepath"
	"testing"

	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := st.Put(ctx, "badge", "3"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "badge", "4"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "gone", "x"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: journal replay must restore the latest state.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	v, ok, err := st2.Get(ctx, "badge")
	if err != nil || !ok || v != "4" {
		t.Fatalf("Get(badge) = (%q, %v, %v), want (4, true, nil)", v, ok, err)
	}
	if _, ok, _ := st2.Get(ctx, "gone"); ok {
		t.Fatal("deleted key survived reopen")
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := Memory()

	if _, ok, _ := st.Get(ctx, "missing"); ok {
		t.Fatal("unexpected hit")
	}
	if err := st.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, _ := st.Get(ctx, "k")
	if !ok || v != "v" {
		t.Fatalf("Get = (%q, %v)", v, ok)
	}
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "k"); ok {
		t.Fatal("key survived delete")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "voodoo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
