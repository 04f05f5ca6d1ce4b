package mailer

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRenderHeaderOrder(t *testing.T) {
	m := Message{
		From:         "alice",
		To:           "ops@example.com",
		Subject:      "/var/log/foo",
		Date:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Object:       "/var/log/foo",
		WatchID:      3,
		EventMask:    0x100,
		ShellCommand: "/bin/sh -c 'do-thing'",
		Output:       []byte("hello\n"),
	}

	var buf bytes.Buffer
	if err := m.Render(&buf); err != nil {
		t.Fatalf("Render: %s", err)
	}

	got := buf.String()
	wantPrefixOrder := []string{
		"From: alice (gidget)\n",
		"To: ops@example.com\n",
		"Subject: gidget event: /var/log/foo\n",
		"Auto-Submitted: auto-generated\n",
		"X-gidget-object: /var/log/foo\n",
		"X-gidget-watch: 3\n",
		"X-gidget-mask: 256\n",
	}

	idx := 0
	for _, want := range wantPrefixOrder {
		next := strings.Index(got[idx:], want)
		if next < 0 {
			t.Fatalf("header %q missing or out of order in:\n%s", want, got)
		}
		idx += next + len(want)
	}

	if !strings.Contains(got, "/bin/sh -c 'do-thing':\n\n") {
		t.Fatalf("missing shell command marker line, got:\n%s", got)
	}
	if !strings.HasSuffix(got, "hello\n") {
		t.Fatalf("output not appended verbatim, got:\n%s", got)
	}
}

func TestCommandLineIsLiteralNotReQuoted(t *testing.T) {
	// command already contains the single quotes composeCommand wrapped the
	// triggering object in; CommandLine must reproduce it byte-for-byte,
	// never re-escape it through a shell-quoting pass.
	command := "/usr/bin/call_santa.sh '/home/gidget/xmas-list.txt' 0x00000018"
	got := CommandLine("/bin/bash", command)
	want := "/bin/bash -c " + command
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
