package email

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/brandon/webmail-relay/internal/config"
)

// imapConn is the subset of *client.Client used by Client. Tests substitute
// an in-memory implementation.
type imapConn interface {
	Login(username, password string) error
	Logout() error
	LoggedOut() <-chan struct{}
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Status(name string, items []imap.StatusItem) (*imap.MailboxStatus, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
}

// DialFunc opens an unauthenticated IMAP connection.
type DialFunc func(cfg config.MailConfig) (imapConn, error)

// dialIMAP connects with implicit TLS. The dial and greeting are bounded by
// ConnectTimeout.
func dialIMAP(cfg config.MailConfig) (imapConn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	cl, err := client.DialWithDialerTLS(dialer, cfg.IMAPAddr(), tlsConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &tlsConn{Client: cl, authTimeout: cfg.AuthTimeout}, nil
}

// tlsConn bounds LOGIN by the auth timeout; every later command runs
// without a deadline.
type tlsConn struct {
	*client.Client
	authTimeout time.Duration
}

func (c *tlsConn) Login(username, password string) error {
	c.Client.Timeout = c.authTimeout
	defer func() { c.Client.Timeout = 0 }()
	return c.Client.Login(username, password)
}

func tlsConfig(cfg config.MailConfig) *tls.Config {
	return &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in via MAIL_TLS_SKIP_VERIFY
		MinVersion:         tls.VersionTLS12,
	}
}

// isNetworkError reports whether err came from the transport rather than
// from a tagged server response.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return err.Error() == "imap: connection closed during command execution"
}

func loggedOut(conn imapConn) bool {
	select {
	case <-conn.LoggedOut():
		return true
	default:
		return false
	}
}
