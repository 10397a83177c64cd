package email

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/webmail-relay/internal/config"
	"github.com/brandon/webmail-relay/pkg/types"
)

// smtpConn is the subset of *smtp.Client used by Sender.
type smtpConn interface {
	Auth(a sasl.Client) error
	SendMail(from string, to []string, r io.Reader) error
	Quit() error
	Close() error
}

type smtpDialFunc func(cfg config.MailConfig) (smtpConn, error)

// dialSMTP connects with implicit TLS. The dial and handshake are bounded by
// ConnectTimeout and every later command by AuthTimeout; DATA keeps the
// library's submission timeout.
func dialSMTP(cfg config.MailConfig) (smtpConn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", cfg.SMTPAddr(), tlsConfig(cfg))
	if err != nil {
		return nil, err
	}

	cl := smtp.NewClient(conn)
	if cfg.AuthTimeout > 0 {
		cl.CommandTimeout = cfg.AuthTimeout
	}
	return cl, nil
}

// Sender submits messages over implicit-TLS SMTP. Every Send opens and
// closes its own connection.
type Sender struct {
	cfg    config.MailConfig
	logger *logrus.Logger
	dial   smtpDialFunc
}

// NewSender creates a new SMTP sender
func NewSender(cfg config.MailConfig, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sender{
		cfg:    cfg,
		logger: logger,
		dial:   dialSMTP,
	}
}

// Send authenticates as account and delivers msg to every To, Cc and Bcc
// recipient. Failures are returned as *SendError and never retried.
func (s *Sender) Send(account types.Account, msg types.OutgoingMessage) error {
	recipients := envelopeRecipients(msg.Recipients())
	if len(recipients) == 0 {
		return &SendError{Err: fmt.Errorf("no recipients")}
	}

	raw, err := buildMessage(account.Address, msg)
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to create message: %w", err)}
	}

	conn, err := s.dial(s.cfg)
	if err != nil {
		return &SendError{Err: &ConnectionError{Addr: s.cfg.SMTPAddr(), Err: err}}
	}
	defer conn.Close()

	if err := conn.Auth(sasl.NewPlainClient("", account.Address, account.Secret)); err != nil {
		return &SendError{Err: fmt.Errorf("failed to authenticate: %w", err)}
	}

	if err := conn.SendMail(account.Address, recipients, bytes.NewReader(raw)); err != nil {
		return &SendError{Err: err}
	}

	if err := conn.Quit(); err != nil {
		s.logger.WithError(err).Debug("SMTP QUIT failed after delivery")
	}

	s.logger.WithFields(logrus.Fields{
		"account":     account.Address,
		"recipients":  len(recipients),
		"attachments": len(msg.Attachments),
	}).Info("Email sent")
	return nil
}

// buildMessage encodes msg as MIME. Bcc recipients stay out of the headers.
func buildMessage(from string, msg types.OutgoingMessage) ([]byte, error) {
	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}
	html := msg.HTMLBody
	if html == "" {
		html = "<p></p>"
	}

	b := enmime.Builder().
		From("", from).
		Subject(subject).
		HTML([]byte(html))

	for _, to := range msg.To {
		name, addr := splitAddress(to)
		b = b.To(name, addr)
	}
	for _, cc := range msg.Cc {
		name, addr := splitAddress(cc)
		b = b.CC(name, addr)
	}
	for _, bcc := range msg.Bcc {
		name, addr := splitAddress(bcc)
		b = b.BCC(name, addr)
	}
	for _, a := range msg.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		b = b.AddAttachment(a.Content, contentType, a.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// splitAddress accepts both "Name <addr>" and bare addresses.
func splitAddress(s string) (string, string) {
	s = strings.TrimSpace(s)
	if parsed, err := mail.ParseAddress(s); err == nil {
		return parsed.Name, parsed.Address
	}
	return "", s
}

func envelopeRecipients(list []string) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		if _, addr := splitAddress(r); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
