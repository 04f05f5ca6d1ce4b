// Package mailer composes and submits the RFC-5322 message gidget sends
// whenever a triggered command produces output. It shells out to a fixed
// sendmail-compatible transport; the mail-submission agent itself is an
// opaque external collaborator, never something gidget talks to directly
// over a protocol.
package mailer

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// Transport is the compile-time-constant sendmail-compatible command line.
// -Fgidget sets the envelope full name; -odi/-oem/-oi/-t select immediate
// delivery, error-mail-only-on-failure, ignore-dot-as-EOF, and
// read-recipients-from-headers respectively.
const (
	Transport    = "/usr/lib/sendmail"
	transportArg = "-Fgidget"
)

var transportArgs = []string{transportArg, "-odi", "-oem", "-oi", "-t"}

// Message is everything needed to render the mail body gidget sends for one
// triggered event.
type Message struct {
	From         string // the user the script ran as
	To           string // watch.MailRecipient
	Subject      string // triggering_object; rendered as "gidget event: <Subject>"
	Date         time.Time
	Object       string // triggering_object, also used in X-gidget-object
	WatchID      uint32
	EventMask    uint32
	ShellCommand string // "<shell> -c <command>", echoed verbatim in the body
	Output       []byte // captured grandchild stdout+stderr
}

// Render writes the complete RFC-5322 message to w: headers, a blank line,
// the "<shell> -c <command>:" marker line, another blank line, then the
// captured output verbatim.
func (m Message) Render(w io.Writer) error {
	var err error
	write := func(format string, args ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, format, args...)
	}

	write("From: %s (gidget)\n", m.From)
	write("To: %s\n", m.To)
	write("Subject: gidget event: %s\n", m.Subject)
	write("Date: %s\n", m.Date.Format("Mon Jan  2 15:04:05 2006"))
	write("Auto-Submitted: auto-generated\n")
	write("X-gidget-object: %s\n", m.Object)
	write("X-gidget-watch: %d\n", m.WatchID)
	write("X-gidget-mask: %d\n\n", m.EventMask)
	write("%s:\n\n", m.ShellCommand)
	if err != nil {
		return err
	}
	_, err = w.Write(m.Output)
	return err
}

// Send starts the mail transport, writes the rendered message to its
// standard input, and waits for it to finish. Recipients are taken from the
// message's To header by the transport itself (-t), not from argv.
func Send(m Message) error {
	cmd := exec.Command(Transport, transportArgs...)
	var stdin bytes.Buffer
	if err := m.Render(&stdin); err != nil {
		return fmt.Errorf("rendering mail body: %w", err)
	}
	cmd.Stdin = &stdin
	if err := cmd.Run(); err != nil {
		full := append([]string{Transport}, transportArgs...)
		return fmt.Errorf("running mail transport %s: %w", shellquote.Join(full...), err)
	}
	return nil
}

// CommandLine renders the literal shell invocation line ("<shell> -c
// <command>") used as the mail body marker. command is already a complete,
// self-quoting command string by the time it gets here (composeCommand
// wraps the triggering object in its own single quotes), so this must not
// re-quote it through shellquote: doing so would escape those quotes again
// and corrupt the marker line.
func CommandLine(shell, command string) string {
	return shell + " -c " + command
}
