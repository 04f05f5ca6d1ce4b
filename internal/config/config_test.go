package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gidget.conf")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing fixture config: %s", err)
	}
	return path
}

func TestLoadAcceptsWellFormedLine(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir+":256:/bin/true:root:ops@example.com\n")

	res, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}
	if len(res.Watches) != 1 {
		t.Fatalf("got %d watches, want 1", len(res.Watches))
	}
	w := res.Watches[0]
	if w.Path != dir || w.Mask != 256 || w.Command != "/bin/true" || w.User != "root" || w.MailRecipient != "ops@example.com" {
		t.Fatalf("unexpected watch: %+v", w)
	}
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	body := "# a full-line comment\n\n" + dir + ":1:/bin/true:root:a@b.com # trailing comment\n"
	path := writeConf(t, body)

	res, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if len(res.Watches) != 1 {
		t.Fatalf("got %d watches, want 1", len(res.Watches))
	}
}

func TestLoadRejectsBadLines(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", dir + ":1:/bin/true:root"},
		{"non-numeric mask", dir + ":abc:/bin/true:root:a@b.com"},
		{"zero mask", dir + ":0:/bin/true:root:a@b.com"},
		{"empty command", dir + ":1::root:a@b.com"},
		{"illegal quote", dir + ":1:/bin/true:ro't:a@b.com"},
		{"mail too long", dir + ":1:/bin/true:root:" + longMail()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConf(t, tt.line+"\n")
			res, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %s", err)
			}
			if len(res.Watches) != 0 {
				t.Fatalf("expected line to be discarded, got %+v", res.Watches)
			}
			if len(res.Diagnostics) == 0 {
				t.Fatalf("expected at least one diagnostic")
			}
		})
	}
}

func longMail() string {
	b := make([]byte, MaxMailLen+1)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err == nil {
		t.Fatal("expected an error opening a missing config file")
	}
}

func TestLoadTracksMaxNameLength(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir+":1:/bin/true:root:a@b.com\n")

	res, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if res.MaxNameLength <= 0 {
		t.Fatalf("expected a positive MaxNameLength, got %d", res.MaxNameLength)
	}
}
