package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lapisgate/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "exports/1234/west-nile_unalignedNucleotideSequences.fasta"
	info, err := s.Put(ctx, key, strings.NewReader(">LOC_1.1\nACGT\n"), core.PutOptions{ContentType: "text/x-fasta"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != 14 || len(info.ETag) != 64 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := os.Stat(filepath.Join(root, "exports", "1234", "west-nile_unalignedNucleotideSequences.fasta.meta")); err != nil {
		t.Fatalf("expected sidecar: %v", err)
	}
	if _, err := s.Put(ctx, key, strings.NewReader("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != ">LOC_1.1\nACGT\n" || got.ContentType != "text/x-fasta" || got.ETag != info.ETag {
		t.Fatalf("unexpected object %q %+v", body, got)
	}

	if ok, err := s.Delete(ctx, key); !ok || err != nil {
		t.Fatalf("Delete: %v %v", ok, err)
	}
	if _, _, err := s.Get(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := s.Delete(ctx, key); ok || err != nil {
		t.Fatalf("expected missing delete to be a no-op: %v %v", ok, err)
	}
}

func TestStoreRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../outside", "x.meta"} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	if _, err := s.PresignURL(context.Background(), "k", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
