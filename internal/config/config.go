// Package config implements gidget's configuration file loader.
//
// The grammar is line-oriented: each significant line holds exactly five
// colon-separated fields (PATH:MASK:COMMAND:USER:MAIL). Comments start at the
// first '#' on a line; blank lines are skipped. A record that fails any
// per-field check is discarded with a diagnostic identifying the file, line
// number, and (where applicable) character position; the loader never aborts
// on a single bad line.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"unicode"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPath is the configuration file gidgetd reads absent -c.
	DefaultPath = "/etc/gidget.conf"

	// MaxCommandLen bounds the command field (field 3) at 256 bytes.
	MaxCommandLen = 256

	// MaxMailLen bounds the mail recipient field (field 5). 36 bytes is
	// narrow and excludes many real addresses, but it's the limit gidget has
	// always enforced; raising it is a compatibility break for existing
	// configuration files.
	MaxMailLen = 36

	// maxLoginNameLen bounds the user field (field 4). Linux's LOGIN_NAME_MAX
	// (bits/local_lim.h) is 256; there is no sysconf(3) equivalent exposed by
	// golang.org/x/sys/unix (it isn't a syscall), so the POSIX/glibc constant
	// is used directly rather than hand-rolling a libc shim.
	maxLoginNameLen = 256

	numFields = 5
)

// Watch describes one administrator-requested action: monitor Path for any
// event in Mask, and on each matching event run Command as User, mailing
// captured output to MailRecipient. WatchID is assigned by the registry once
// the kernel watch is installed (zero until then).
type Watch struct {
	Path          string
	Mask          uint32
	Command       string
	User          string
	MailRecipient string
	WatchID       uint32

	// SourceLine is the 1-based line number in the config file this watch
	// was parsed from, kept for diagnostics.
	SourceLine int
}

// Diagnostic is one rejected-line or informational message produced while
// loading a configuration file. Load never returns an error for these; they
// are collected so the caller can log them through the diag package.
type Diagnostic struct {
	Line     int
	Position int // 1-based column, 0 if not applicable
	Message  string
}

func (d Diagnostic) String() string {
	if d.Position > 0 {
		return fmt.Sprintf("line %d position %d: %s", d.Line, d.Position, d.Message)
	}
	if d.Line > 0 {
		return fmt.Sprintf("line %d: %s", d.Line, d.Message)
	}
	return d.Message
}

// Result is what Load produces: the accepted watches in file order, the
// rejected-line diagnostics, and the largest filesystem name-length limit
// observed across all accepted paths (used to size the notification read
// buffer, see internal/notify).
type Result struct {
	Watches       []Watch
	Diagnostics   []Diagnostic
	MaxNameLength int64
}

// Load reads and validates the configuration file at path. It returns an
// error only for whole-file failures (open failure or a read error other
// than EOF); individual bad lines are reported via Result.Diagnostics and
// skipped, never aborting the load.
func Load(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	res := &Result{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		w, diags, ok := parseLine(line, lineNo, &res.MaxNameLength)
		res.Diagnostics = append(res.Diagnostics, diags...)
		if ok {
			res.Watches = append(res.Watches, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return res, nil
}

// parseLine tokenizes one configuration line and validates its fields. It
// returns ok=false for comment/blank lines (silently) and for malformed
// records (with diagnostics explaining why).
func parseLine(line string, lineNo int, maxNameLen *int64) (Watch, []Diagnostic, bool) {
	var diags []Diagnostic
	badPony := false

	// Scan up to end-of-line or '#', rejecting invisible or illegal bytes
	// as we go, one rune at a time.
	var fields []string
	var cur []rune
	for i, r := range line {
		if r == '#' {
			break
		}
		if !unicode.IsPrint(r) {
			diags = append(diags, Diagnostic{Line: lineNo, Position: i + 1,
				Message: "invisible character"})
			badPony = true
		} else if r == '\'' {
			diags = append(diags, Diagnostic{Line: lineNo, Position: i + 1,
				Message: "illegal character '"})
			badPony = true
		}

		if r == ':' {
			fields = append(fields, string(cur))
			cur = cur[:0]
		} else {
			cur = append(cur, r)
		}
	}
	// trailing field — EOL terminates the last field the same as ':' does.
	if len(cur) > 0 || len(fields) > 0 {
		fields = append(fields, string(cur))
	}

	if len(fields) == 0 {
		return Watch{}, diags, false // blank or full-line comment
	}

	if len(fields) > numFields {
		diags = append(diags, Diagnostic{Line: lineNo,
			Message: fmt.Sprintf("too many fields (%d), discarding excess tokens %v", len(fields), fields[numFields:])})
		badPony = true
	}
	if len(fields) < numFields {
		diags = append(diags, Diagnostic{Line: lineNo,
			Message: fmt.Sprintf("too few fields (%d), need %d", len(fields), numFields)})
		diags = append(diags, Diagnostic{Line: lineNo, Message: "discarding line"})
		return Watch{}, diags, false
	}

	var w Watch
	w.SourceLine = lineNo

	// Field 1: path.
	path := fields[0]
	if path == "" {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "empty path field"})
		badPony = true
	} else {
		n, err := maxNameLength(path)
		if err != nil {
			diags = append(diags, Diagnostic{Line: lineNo,
				Message: fmt.Sprintf("can't determine max file name length for filesystem hosting %s: %v", path, err)})
			badPony = true
		} else {
			if n > *maxNameLen {
				*maxNameLen = n
			}
			w.Path = path
		}
	}

	// Field 2: mask.
	mask := fields[1]
	if mask == "" || !allDigits(mask) {
		diags = append(diags, Diagnostic{Line: lineNo,
			Message: fmt.Sprintf("non-numeric event mask %q", mask)})
		badPony = true
	} else {
		v, err := strconv.ParseUint(mask, 10, 32)
		if err != nil || v == 0 {
			diags = append(diags, Diagnostic{Line: lineNo,
				Message: fmt.Sprintf("event mask %q must be a non-zero 32-bit value", mask)})
			badPony = true
		} else {
			w.Mask = uint32(v)
		}
	}

	// Field 3: command.
	cmd := fields[2]
	if len(cmd) == 0 {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "empty command field"})
		badPony = true
	} else if len(cmd) > MaxCommandLen {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "command too long"})
		badPony = true
	} else {
		w.Command = cmd
	}

	// Field 4: user.
	user := fields[3]
	if len(user) == 0 {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "empty user field"})
		badPony = true
	} else if len(user) > maxLoginNameLen {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "user name too long"})
		badPony = true
	} else {
		w.User = user
	}

	// Field 5: mail.
	mail := fields[4]
	if len(mail) == 0 {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "empty mail recipient field"})
		badPony = true
	} else if len(mail) > MaxMailLen {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "email address too long"})
		badPony = true
	} else {
		w.MailRecipient = mail
	}

	if badPony {
		diags = append(diags, Diagnostic{Line: lineNo, Message: "discarding line"})
		return Watch{}, diags, false
	}
	return w, diags, true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// maxNameLength asks the backing filesystem for its maximum file name
// length (the same hint pathconf(_PC_NAME_MAX) gives): a successful call
// also stands in for "this looks like a real path", since there is no
// portable way to probe existence without racing a later open(2).
func maxNameLength(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Namelen, nil
}
