package ln2

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// From is the sender of the report emails
const From = "lvm-ln2@lco.cl"

// Subject is the subject of a report email
func Subject(err error) string {
	if err != nil {
		return "ERROR: LVM LN2 fill"
	}
	return "SUCCESS: LVM LN2 fill"
}

// Message builds the report email.  A failed run gets an ERRORS section
// with the error.
func Message(report string, recipients []string, err error) (*mail.Msg, error) {
	var body strings.Builder
	body.WriteString(report)
	if err != nil {
		body.WriteString("\nERRORS\n------\nLN2 fill failed with error:\n\n")
		body.WriteString(err.Error())
		body.WriteString("\n")
	}

	m := mail.NewMsg()
	if aerr := m.From(From); aerr != nil {
		return nil, aerr
	}
	if aerr := m.To(recipients...); aerr != nil {
		return nil, aerr
	}
	m.Subject(Subject(err))
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, body.String())
	return m, nil
}

// SendReport emails the report of a run through an SMTP relay, host or
// host:port.  The relay is used without authentication and with TLS when
// it offers it.
func SendReport(relay string, recipients []string, report string, err error) error {
	if len(recipients) == 0 {
		return fmt.Errorf("ln2: no recipients for the report")
	}
	host, port := relay, 25
	if h, p, serr := net.SplitHostPort(relay); serr == nil {
		n, perr := strconv.Atoi(p)
		if perr != nil {
			return fmt.Errorf("ln2: invalid SMTP relay %q: %w", relay, perr)
		}
		host, port = h, n
	}
	m, merr := Message(report, recipients, err)
	if merr != nil {
		return fmt.Errorf("ln2: building the report: %w", merr)
	}
	c, cerr := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30*time.Second))
	if cerr != nil {
		return fmt.Errorf("ln2: SMTP relay %q: %w", relay, cerr)
	}
	return c.DialAndSend(m)
}
