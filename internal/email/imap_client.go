package email

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/webmail-relay/internal/config"
	"github.com/brandon/webmail-relay/pkg/types"
)

// Client is one account's IMAP connection. Operations are serialized: a
// connection has a single selected folder at a time.
type Client struct {
	cfg     config.MailConfig
	account types.Account
	logger  *logrus.Entry
	dial    DialFunc
	now     func() time.Time

	mu        sync.Mutex
	conn      imapConn
	delimiter string
	mailboxes map[string]string // folder path -> server mailbox name
}

// NewClient creates a new gateway client (does not connect immediately)
func NewClient(cfg config.MailConfig, account types.Account, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:     cfg,
		account: account,
		logger:  logger.WithField("account", account.Address),
		dial:    dialIMAP,
		now:     time.Now,
	}
}

// Account returns the account this client authenticates as.
func (c *Client) Account() types.Account {
	return c.account
}

// Connected reports whether the client holds a live, authenticated connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !loggedOut(c.conn)
}

// Connect dials the server and logs in. Connecting a connected client is a
// no-op. A failed attempt never leaves a half-open connection behind.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !loggedOut(c.conn) {
		return nil
	}
	c.conn = nil

	conn, err := c.dial(c.cfg)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to reach IMAP server")
		return &ConnectionError{Addr: c.cfg.IMAPAddr(), Err: err}
	}

	if err := conn.Login(c.account.Address, c.account.Secret); err != nil {
		network := isNetworkError(err) || loggedOut(conn)
		conn.Logout() //nolint:errcheck
		if network {
			c.logger.WithError(err).Warn("Connection lost during IMAP login")
			return &ConnectionError{Addr: c.cfg.IMAPAddr(), Err: err}
		}
		c.logger.WithError(err).Info("IMAP login rejected")
		return ErrAuthentication
	}

	c.conn = conn
	c.learnDelimiter(conn)
	c.logger.Info("Connected to IMAP server")
	return nil
}

// learnDelimiter reads the hierarchy delimiter with LIST "" "" so folder
// paths resolve before the folder list has been fetched.
func (c *Client) learnDelimiter(conn imapConn) {
	infos := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)

	go func() {
		done <- conn.List("", "", infos)
	}()

	for info := range infos {
		if info.Delimiter != "" {
			c.delimiter = info.Delimiter
		}
	}

	if err := <-done; err != nil {
		c.logger.WithError(err).Warn("Failed to read hierarchy delimiter")
	}
}

// Disconnect logs out. It is a no-op on a client that is not connected and
// tolerates a connection the server already closed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil

	if err := conn.Logout(); err != nil {
		if errors.Is(err, client.ErrAlreadyLoggedOut) || isNetworkError(err) {
			c.logger.WithError(err).Debug("Connection already closed")
			return nil
		}
		return fmt.Errorf("failed to logout: %w", err)
	}
	c.logger.Info("Disconnected from IMAP server")
	return nil
}

// ListFolders lists every mailbox as a flat, depth-first list with unread
// counts filled in where the server reports them.
func (c *Client) ListFolders() ([]types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- conn.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, c.fail(conn, "list", "", err)
	}

	flat := flattenFolders(buildFolderTree(infos), "", nil)

	c.mailboxes = make(map[string]string, len(flat))
	folders := make([]types.Folder, 0, len(flat))
	for _, f := range flat {
		if f.node.Delimiter != "" {
			c.delimiter = f.node.Delimiter
		}
		c.mailboxes[f.folder.Path] = f.node.Mailbox

		if f.node.Selectable() {
			status, err := conn.Status(f.node.Mailbox, []imap.StatusItem{imap.StatusUnseen})
			if err != nil {
				c.logger.WithError(err).WithField("folder", f.folder.Path).Warn("Failed to read folder status")
			} else if status != nil {
				f.folder.UnreadCount = int(status.Unseen)
			}
		}
		folders = append(folders, f.folder)
	}

	return folders, nil
}

// ListMessages returns up to limit of the most recent messages in a folder,
// newest first. The folder is opened read-only so no flags change. Messages
// that fail to parse are logged and skipped.
func (c *Client) ListMessages(folder string, limit int) ([]types.Email, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	mbox, err := conn.Select(c.mailboxName(folder), true)
	if err != nil {
		return nil, c.fail(conn, "select", folder, err)
	}

	if mbox == nil || mbox.Messages == 0 {
		return []types.Email{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(fetchStart(mbox.Messages, limit), mbox.Messages)

	raws, err := c.fetch(conn, false, seqSet)
	if err != nil {
		return nil, c.fail(conn, "fetch", folder, err)
	}

	sort.SliceStable(raws, func(i, j int) bool { return raws[i].SeqNum > raws[j].SeqNum })

	now := c.now()
	emails := make([]types.Email, 0, len(raws))
	for _, raw := range raws {
		email, err := parseMessage(raw, folder, now)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"folder": folder,
				"uid":    raw.UID,
			}).Warn("Skipping unparseable message")
			continue
		}
		emails = append(emails, email)
	}

	return emails, nil
}

// fetchStart returns the first sequence number of the newest limit
// messages. A non-positive limit selects the whole folder.
func fetchStart(total uint32, limit int) uint32 {
	if limit <= 0 || uint32(limit) >= total {
		return 1
	}
	return total - uint32(limit) + 1
}

// MessageBody returns the HTML body of one message, rendered from the text
// part when the message has no HTML.
func (c *Client) MessageBody(folder string, uid uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live()
	if err != nil {
		return "", err
	}

	if _, err := conn.Select(c.mailboxName(folder), true); err != nil {
		return "", c.fail(conn, "select", folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	raws, err := c.fetch(conn, true, seqSet)
	if err != nil {
		return "", c.fail(conn, "fetch", folder, err)
	}

	for _, raw := range raws {
		if raw.UID != uid {
			continue
		}
		email, err := parseMessage(raw, folder, c.now())
		if err != nil {
			return "", err
		}
		return email.Body.HTML, nil
	}
	return "", ErrMessageNotFound
}

// MarkRead adds the \Seen flag.
func (c *Client) MarkRead(folder string, uid uint32) error {
	return c.store("mark read", folder, uid, imap.AddFlags, imap.SeenFlag)
}

// SetStarred adds or removes the \Flagged flag.
func (c *Client) SetStarred(folder string, uid uint32, starred bool) error {
	var op imap.FlagsOp = imap.RemoveFlags
	if starred {
		op = imap.AddFlags
	}
	return c.store("set starred", folder, uid, op, imap.FlaggedFlag)
}

// DeleteMessage moves a message into the trash folder. Nothing is expunged.
func (c *Client) DeleteMessage(folder string, uid uint32) error {
	return c.MoveMessage(folder, uid, c.cfg.TrashFolder)
}

// MoveMessage moves one message between folders.
func (c *Client) MoveMessage(from string, uid uint32, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live()
	if err != nil {
		return err
	}

	if _, err := conn.Select(c.mailboxName(from), false); err != nil {
		return c.fail(conn, "select", from, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := conn.UidMove(seqSet, c.mailboxName(to)); err != nil {
		return c.fail(conn, "move to "+to, from, err)
	}

	c.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
		"uid":  uid,
	}).Debug("Moved message")
	return nil
}

func (c *Client) store(op, folder string, uid uint32, flagsOp imap.FlagsOp, flag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live()
	if err != nil {
		return err
	}

	if _, err := conn.Select(c.mailboxName(folder), false); err != nil {
		return c.fail(conn, "select", folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(flagsOp, true)
	if err := conn.UidStore(seqSet, item, []interface{}{flag}, nil); err != nil {
		return c.fail(conn, op, folder, err)
	}
	return nil
}

// fetch collects every message of a FETCH into complete raw buffers before
// anything is parsed.
func (c *Client) fetch(conn imapConn, byUID bool, seqSet *imap.SeqSet) ([]RawMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		if byUID {
			done <- conn.UidFetch(seqSet, items, messages)
			return
		}
		done <- conn.Fetch(seqSet, items, messages)
	}()

	var raws []RawMessage
	for msg := range messages {
		raws = append(raws, RawMessage{
			SeqNum:       msg.SeqNum,
			UID:          msg.Uid,
			Flags:        msg.Flags,
			InternalDate: msg.InternalDate,
			Body:         c.readBody(msg, section),
		})
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return raws, nil
}

func (c *Client) readBody(msg *imap.Message, section *imap.BodySectionName) []byte {
	literal := msg.GetBody(section)
	if literal == nil {
		for _, l := range msg.Body {
			if l != nil {
				literal = l
				break
			}
		}
	}
	if literal == nil {
		return nil
	}

	body, err := io.ReadAll(literal)
	if err != nil {
		c.logger.WithError(err).WithField("uid", msg.Uid).Error("Error reading literal")
		return nil
	}
	return body
}

// live returns the connection or ErrNotConnected, dropping a connection
// the server has closed.
func (c *Client) live() (imapConn, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if loggedOut(c.conn) {
		c.logger.Warn("IMAP connection closed by server")
		c.conn = nil
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// fail classifies a command error. Transport failures end the connection.
func (c *Client) fail(conn imapConn, op, folder string, err error) error {
	if isNetworkError(err) || loggedOut(conn) {
		c.logger.WithError(err).WithField("op", op).Warn("IMAP connection lost")
		c.conn = nil
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	return &ServerOperationError{Op: op, Folder: folder, Err: err}
}

// mailboxName maps a "/"-separated folder path to the server's name.
func (c *Client) mailboxName(path string) string {
	if name, ok := c.mailboxes[path]; ok {
		return name
	}
	if c.delimiter != "" && c.delimiter != "/" {
		return strings.ReplaceAll(path, "/", c.delimiter)
	}
	return path
}
