package diag

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogFileBackedWritesLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gidget.log")
	l, err := New(Options{LogFile: path})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	if !l.IsFileBacked() {
		t.Fatal("expected a file-backed logger")
	}

	l.Info("hello there")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	line := string(b)
	if !strings.Contains(line, "hello there") {
		t.Fatalf("log file missing message, got %q", line)
	}
	if !strings.HasPrefix(line, "gidget[") {
		t.Fatalf("log line missing pid prefix, got %q", line)
	}
}

func TestReopenSwitchesFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	l, err := New(Options{LogFile: first})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	l.Info("before reopen")

	// Simulate SIGHUP by pointing logFilePath at a new file and reopening.
	l.logFilePath = second
	if err := l.Reopen(); err != nil {
		t.Fatalf("Reopen: %s", err)
	}
	l.Info("after reopen")

	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !strings.Contains(string(b), "after reopen") {
		t.Fatalf("expected the reopened file to receive new writes, got %q", string(b))
	}
}

func TestNotFileBackedByDefault(t *testing.T) {
	l, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()
	if l.IsFileBacked() {
		t.Fatal("expected stdout/stderr backing, not a file")
	}
}
