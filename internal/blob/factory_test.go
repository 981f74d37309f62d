package blob

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenLocal(t *testing.T) {
	sel, err := Open(Options{Mode: ModeLocal, LocalRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sel.Mode != ModeLocal || sel.ReadOnly || sel.Note != "" {
		t.Errorf("selection = %+v, want plain local", sel)
	}
	if err := sel.Store.WriteBuffer(context.Background(), "k", []byte("v"), WriteOptions{}); err != nil {
		t.Errorf("write on local selection failed: %v", err)
	}
}

func TestOpenDefaultsToLocal(t *testing.T) {
	sel, err := Open(Options{LocalRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sel.Mode != ModeLocal {
		t.Errorf("mode = %q, want local by default", sel.Mode)
	}
}

func TestOpenHybridWithoutRemoteDegradesToLocal(t *testing.T) {
	sel, err := Open(Options{
		Mode:      ModeHybrid,
		LocalRoot: t.TempDir(),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sel.Mode != ModeLocal {
		t.Errorf("mode = %q, want degraded to local", sel.Mode)
	}
	if sel.Note == "" {
		t.Error("degradation must carry a note for the status surface")
	}
	if sel.ReadOnly {
		t.Error("writable local root should stay writable")
	}
}

func TestOpenUnwritableRootIsReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind for root")
	}
	root := filepath.Join(t.TempDir(), "data")
	if err := os.Mkdir(root, 0o555); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	sel, err := Open(Options{Mode: ModeLocal, LocalRoot: root})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !sel.ReadOnly || sel.Note == "" {
		t.Fatalf("selection = %+v, want read-only with note", sel)
	}
	err = sel.Store.WriteBuffer(context.Background(), "k", []byte("v"), WriteOptions{})
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("write err = %v, want ErrReadOnly", err)
	}
}

func TestOpenUncreatableRootServesReads(t *testing.T) {
	// The parent path is a regular file, so the data directory can never be
	// created. Reads still work against the (empty) tree and writes fail
	// loudly instead of the process refusing to start.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	sel, err := Open(Options{Mode: ModeLocal, LocalRoot: filepath.Join(blocker, "data")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !sel.ReadOnly {
		t.Fatal("selection should be read-only")
	}
	if data, err := sel.Store.ReadBuffer(context.Background(), "missing"); err != nil || data != nil {
		t.Errorf("read = (%q, %v), want a clean miss", data, err)
	}
	err = sel.Store.WriteBuffer(context.Background(), "k", []byte("v"), WriteOptions{})
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("write err = %v, want ErrReadOnly", err)
	}
}

func TestOpenUnknownMode(t *testing.T) {
	if _, err := Open(Options{Mode: Mode("s3"), LocalRoot: t.TempDir()}); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestOpenWebDAV(t *testing.T) {
	sel, err := Open(Options{
		Mode:   ModeWebDAV,
		Remote: WebDAVConfig{BaseURL: "https://dav.example.org/openshelf/"},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sel.Mode != ModeWebDAV || sel.ReadOnly {
		t.Errorf("selection = %+v", sel)
	}
	if _, ok := sel.Store.(*WebDAVStore); !ok {
		t.Errorf("store type = %T, want *WebDAVStore", sel.Store)
	}
}
