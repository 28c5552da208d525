package tools

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nous-labs/contextd/pkg/retry"
)

// SMTPOptions configures NewSMTPMailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// DraftTo, if set, receives every draft instead of the intended
	// recipient, who is then named at the top of the body.
	DraftTo string
	Timeout time.Duration
	// InsecureSkipVerify disables certificate checks for STARTTLS.
	InsecureSkipVerify bool
}

// SMTPMailer submits email drafts over SMTP. It implements action.Mailer.
type SMTPMailer struct {
	opts SMTPOptions
	addr string
	// now is swapped in tests.
	now func() time.Time
}

// NewSMTPMailer creates a mailer.
func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if opts.From == "" {
		return nil, errors.New("smtp: from address is required")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &SMTPMailer{
		opts: opts,
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		now:  time.Now,
	}, nil
}

// SendMail submits one draft and returns its Message-ID. The id is derived
// from the idempotency key, so a resubmitted draft carries the same id.
func (m *SMTPMailer) SendMail(ctx context.Context, recipient, subject, body, idempotencyKey string) (string, error) {
	to := recipient
	if m.opts.DraftTo != "" {
		to = m.opts.DraftTo
		body = "Draft for: " + recipient + "\n\n" + body
	}
	msgID := MessageID(idempotencyKey, m.opts.From)
	msg := m.compose(to, subject, body, msgID)

	if err := m.submit(ctx, to, msg); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", to, err)
	}
	slog.Info("email draft sent", "to", to, "recipient", recipient, "subject", truncateStr(subject, 100), "message_id", msgID)
	return msgID, nil
}

// MessageID builds a Message-ID from an idempotency key and the domain of
// the sender address.
func MessageID(key, from string) string {
	domain := "contextd.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "> ")
	}
	local := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '.'
	}, key)
	return "<" + local + "@" + domain + ">"
}

func (m *SMTPMailer) compose(to, subject, body, msgID string) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", m.opts.From)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", m.now().Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func (m *SMTPMailer) submit(ctx context.Context, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.opts.Host)
	if err != nil {
		conn.Close()
		return classifySMTP(err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := &tls.Config{ServerName: m.opts.Host, InsecureSkipVerify: m.opts.InsecureSkipVerify}
		if err := c.StartTLS(cfg); err != nil {
			return classifySMTP(err)
		}
	}
	if m.opts.Username != "" {
		auth := smtp.PlainAuth("", m.opts.Username, m.opts.Password, m.opts.Host)
		if err := c.Auth(auth); err != nil {
			return classifySMTP(err)
		}
	}
	if err := c.Mail(addrSpec(m.opts.From)); err != nil {
		return classifySMTP(err)
	}
	if err := c.Rcpt(addrSpec(to)); err != nil {
		return classifySMTP(err)
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return classifySMTP(err)
	}
	return c.Quit()
}

// classifySMTP marks 5xx replies permanent. 4xx replies and connection
// errors stay transient.
func classifySMTP(err error) error {
	var tperr *textproto.Error
	if errors.As(err, &tperr) && tperr.Code >= 500 {
		return retry.Permanent(err)
	}
	return err
}

// addrSpec strips a display name: "Me <me@example.com>" -> "me@example.com".
func addrSpec(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		if j := strings.LastIndex(addr, ">"); j > i {
			return addr[i+1 : j]
		}
	}
	return strings.TrimSpace(addr)
}
