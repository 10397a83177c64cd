package email

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/brandon/webmail-relay/internal/config"
	"github.com/brandon/webmail-relay/pkg/types"
)

type fakeMessage struct {
	uid      uint32
	flags    []string
	raw      string
	internal time.Time
}

type fakeMailbox struct {
	name     string
	attrs    []string
	unseen   uint32
	messages []*fakeMessage
}

// fakeConn is an in-memory IMAP server session. Like the real client it
// closes every channel handed to List and Fetch.
type fakeConn struct {
	mu        sync.Mutex
	delimiter string
	boxes     []*fakeMailbox
	loginErr  error
	statusErr error
	fetchErr  error

	selected *fakeMailbox
	readOnly bool

	fetched   []string
	selects   []string
	logouts   int
	loggedOut chan struct{}
}

func newFakeConn(delimiter string, boxes ...*fakeMailbox) *fakeConn {
	return &fakeConn{
		delimiter: delimiter,
		boxes:     boxes,
		loggedOut: make(chan struct{}),
	}
}

func (f *fakeConn) box(name string) *fakeMailbox {
	for _, b := range f.boxes {
		if b.name == name {
			return b
		}
	}
	return nil
}

func (f *fakeConn) Login(username, password string) error {
	return f.loginErr
}

func (f *fakeConn) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.loggedOut:
		return client.ErrAlreadyLoggedOut
	default:
	}
	f.logouts++
	close(f.loggedOut)
	return nil
}

// drop simulates the server closing the connection.
func (f *fakeConn) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.loggedOut:
	default:
		close(f.loggedOut)
	}
}

func (f *fakeConn) LoggedOut() <-chan struct{} {
	return f.loggedOut
}

func (f *fakeConn) List(ref, name string, ch chan *imap.MailboxInfo) error {
	defer close(ch)
	if name == "" {
		ch <- &imap.MailboxInfo{Attributes: []string{imap.NoSelectAttr}, Delimiter: f.delimiter}
		return nil
	}
	for _, b := range f.boxes {
		ch <- &imap.MailboxInfo{Attributes: b.attrs, Delimiter: f.delimiter, Name: b.name}
	}
	return nil
}

func (f *fakeConn) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.selects = append(f.selects, name)
	b := f.box(name)
	if b == nil {
		return nil, errors.New("Mailbox doesn't exist: " + name)
	}
	f.selected = b
	f.readOnly = readOnly
	return &imap.MailboxStatus{Name: name, ReadOnly: readOnly, Messages: uint32(len(b.messages))}, nil
}

func (f *fakeConn) Status(name string, items []imap.StatusItem) (*imap.MailboxStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	b := f.box(name)
	if b == nil {
		return nil, errors.New("Mailbox doesn't exist: " + name)
	}
	return &imap.MailboxStatus{Name: name, Unseen: b.unseen}, nil
}

func (f *fakeConn) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	return f.fetch(false, seqset, ch)
}

func (f *fakeConn) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	return f.fetch(true, seqset, ch)
}

func (f *fakeConn) fetch(byUID bool, seqset *imap.SeqSet, ch chan *imap.Message) error {
	defer close(ch)
	f.fetched = append(f.fetched, seqset.String())
	if f.fetchErr != nil {
		return f.fetchErr
	}
	if f.selected == nil {
		return errors.New("No mailbox selected")
	}
	for i, m := range f.selected.messages {
		seq := uint32(i + 1)
		id := seq
		if byUID {
			id = m.uid
		}
		if !seqset.Contains(id) {
			continue
		}
		ch <- &imap.Message{
			SeqNum:       seq,
			Uid:          m.uid,
			Flags:        append([]string(nil), m.flags...),
			InternalDate: m.internal,
			Body: map[*imap.BodySectionName]imap.Literal{
				{}: bytes.NewBufferString(m.raw),
			},
		}
	}
	return nil
}

func (f *fakeConn) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		defer close(ch)
	}
	if f.selected == nil || f.readOnly {
		return errors.New("Mailbox is read-only")
	}
	flags, _ := value.([]interface{})
	for _, m := range f.selected.messages {
		if !seqset.Contains(m.uid) {
			continue
		}
		for _, v := range flags {
			flag := v.(string)
			if strings.HasPrefix(string(item), "+") {
				if !hasFlag(m.flags, flag) {
					m.flags = append(m.flags, flag)
				}
				continue
			}
			kept := m.flags[:0]
			for _, existing := range m.flags {
				if existing != flag {
					kept = append(kept, existing)
				}
			}
			m.flags = kept
		}
	}
	return nil
}

func (f *fakeConn) UidMove(seqset *imap.SeqSet, dest string) error {
	if f.selected == nil || f.readOnly {
		return errors.New("Mailbox is read-only")
	}
	target := f.box(dest)
	if target == nil {
		return errors.New("[TRYCREATE] Mailbox doesn't exist: " + dest)
	}
	kept := f.selected.messages[:0]
	for _, m := range f.selected.messages {
		if seqset.Contains(m.uid) {
			target.messages = append(target.messages, m)
			continue
		}
		kept = append(kept, m)
	}
	f.selected.messages = kept
	return nil
}

func testMailConfig() config.MailConfig {
	return config.MailConfig{
		Host:           "mail.example.test",
		IMAPPort:       993,
		SMTPPort:       465,
		ConnectTimeout: time.Second,
		AuthTimeout:    time.Second,
		TrashFolder:    "Trash",
	}
}

// newTestClient returns a connected client backed by conn.
func newTestClient(conn *fakeConn) (*Client, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	c := NewClient(testMailConfig(), types.Account{Address: "user@example.test", Secret: "hunter2"}, logger)
	c.dial = func(config.MailConfig) (imapConn, error) { return conn, nil }
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c, hook
}

func rawMessage(subject, date, body string) string {
	var b strings.Builder
	b.WriteString("From: Alice Example <alice@example.test>\r\n")
	b.WriteString("To: user@example.test\r\n")
	if subject != "" {
		b.WriteString("Subject: " + subject + "\r\n")
	}
	if date != "" {
		b.WriteString("Date: " + date + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
