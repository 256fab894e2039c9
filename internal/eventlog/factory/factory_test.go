package factory

import (
	"path/filepath"
	"testing"

	"github.com/pupteam/pup/internal/eventlog/sqlite"
)

func TestSQLiteDSNs(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
	} {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("NewSinkFromDSN(%q): %v", dsn, err)
		}
		if _, ok := sink.(*sqlite.DB); !ok {
			t.Fatalf("expected sqlite sink for %q, got %T", dsn, sink)
		}
		_ = sink.Close()
	}
}

func TestRejectsUnknownScheme(t *testing.T) {
	if _, err := NewSinkFromDSN("redis://localhost"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
