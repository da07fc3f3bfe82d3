package applog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_Stderr(t *testing.T) {
	t.Parallel()
	l, err := New(Destination{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello", "key", "value")
	if err := l.Sync(); err != nil {
		t.Logf("sync returned %v (expected for some stderr fds)", err)
	}
}

func TestNew_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "qmpbackup.log")
	l, err := New(Destination{Kind: "file", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warning("disk full", "device", "disk1")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
}

func TestNew_UnknownDestination(t *testing.T) {
	t.Parallel()
	_, err := New(Destination{Kind: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown destination kind")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()
	l := Nop()
	l.Info("ignored")
	l.Warning("ignored")
	l.Error("ignored")
	if err := l.Sync(); err != nil {
		t.Fatalf("Nop Sync should never error: %v", err)
	}
}
