package webmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brandon/webmail-relay/pkg/types"
)

// DefaultFolder is the folder a fresh store shows
const DefaultFolder = "INBOX"

// ErrUnknownEmail is returned when an action names an email that is not in
// the current list.
var ErrUnknownEmail = errors.New("webmail: email not in current list")

// Relay is the subset of Client the store drives
type Relay interface {
	Connect(ctx context.Context, email, password string) error
	Disconnect(ctx context.Context) error
	Folders(ctx context.Context) ([]types.Folder, error)
	Emails(ctx context.Context, folder string, limit int) ([]types.Email, error)
	EmailBody(ctx context.Context, folder string, uid uint32) (string, error)
	MarkRead(ctx context.Context, folder string, uid uint32) error
	ToggleStar(ctx context.Context, folder string, uid uint32, starred bool) error
	Delete(ctx context.Context, folder string, uid uint32) error
	Move(ctx context.Context, fromFolder string, uid uint32, toFolder string) error
	Send(ctx context.Context, msg types.OutgoingMessage) error
}

// SearchFilters narrows VisibleEmails. Nil pointers and empty strings do
// not filter. Dates are YYYY-MM-DD or RFC 3339.
type SearchFilters struct {
	Query          string
	HasAttachments *bool
	IsStarred      *bool
	DateFrom       string
	DateTo         string
}

// Draft is an unsent message being composed
type Draft struct {
	ID          string
	To          string
	Cc          string
	Bcc         string
	Subject     string
	Body        string
	Attachments []types.OutgoingAttachment
	SavedAt     time.Time
}

// State is a snapshot of everything the UI renders
type State struct {
	Authenticated bool
	Account       string
	Folders       []types.Folder
	Emails        []types.Email
	Selected      *types.Email
	CurrentFolder string
	Loading       bool
	Filters       SearchFilters
	Draft         *Draft
}

// Store holds UI mail state. Mutating actions change local state only
// after the relay has accepted them.
type Store struct {
	relay Relay
	limit int
	now   func() time.Time

	mu    sync.RWMutex
	state State
}

// NewStore creates a store backed by relay. limit is passed to every
// message listing; 0 lets the relay decide.
func NewStore(relay Relay, limit int) *Store {
	return &Store{
		relay: relay,
		limit: limit,
		now:   time.Now,
		state: State{CurrentFolder: DefaultFolder},
	}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	st.Folders = append([]types.Folder(nil), s.state.Folders...)
	st.Emails = append([]types.Email(nil), s.state.Emails...)
	if s.state.Selected != nil {
		sel := *s.state.Selected
		st.Selected = &sel
	}
	if s.state.Draft != nil {
		d := *s.state.Draft
		st.Draft = &d
	}
	return st
}

// Login opens a relay session and resets mail state
func (s *Store) Login(ctx context.Context, email, password string) error {
	if err := s.relay.Connect(ctx, email, password); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = State{
		Authenticated: true,
		Account:       email,
		CurrentFolder: DefaultFolder,
		Draft:         s.state.Draft,
	}
	s.mu.Unlock()
	return nil
}

// Logout ends the session and clears mail state. Local state is cleared
// even when the relay call fails; the draft survives.
func (s *Store) Logout(ctx context.Context) error {
	err := s.relay.Disconnect(ctx)

	s.mu.Lock()
	s.state = State{CurrentFolder: DefaultFolder, Draft: s.state.Draft}
	s.mu.Unlock()
	return err
}

// LoadFolders refreshes the folder list
func (s *Store) LoadFolders(ctx context.Context) error {
	folders, err := s.relay.Folders(ctx)
	if err != nil {
		return s.checkAuth(err)
	}

	s.mu.Lock()
	s.state.Folders = folders
	s.mu.Unlock()
	return nil
}

// OpenFolder loads the newest messages of folder and makes it current.
// The selection is cleared.
func (s *Store) OpenFolder(ctx context.Context, folder string) error {
	if folder == "" {
		folder = DefaultFolder
	}
	s.setLoading(true)
	defer s.setLoading(false)

	emails, err := s.relay.Emails(ctx, folder, s.limit)
	if err != nil {
		return s.checkAuth(err)
	}

	s.mu.Lock()
	s.state.CurrentFolder = folder
	s.state.Emails = emails
	s.state.Selected = nil
	s.mu.Unlock()
	return nil
}

// Refresh reloads the current folder
func (s *Store) Refresh(ctx context.Context) error {
	return s.OpenFolder(ctx, s.currentFolder())
}

// Select fetches the full body of an email, selects it and marks it read.
func (s *Store) Select(ctx context.Context, id string) (types.Email, error) {
	folder, email, uid, err := s.lookup(id)
	if err != nil {
		return types.Email{}, err
	}

	body, err := s.relay.EmailBody(ctx, folder, uid)
	if err != nil {
		return types.Email{}, s.checkAuth(err)
	}
	email.Body.HTML = body

	s.mu.Lock()
	if s.state.CurrentFolder == folder {
		s.state.Selected = &email
	}
	s.mu.Unlock()

	if !email.IsRead {
		if err := s.MarkRead(ctx, id); err != nil {
			return email, err
		}
		email.IsRead = true
	}
	return email, nil
}

// ClearSelection deselects the current email
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.state.Selected = nil
	s.mu.Unlock()
}

// MarkRead flags an email read and lowers its folder's unread count
func (s *Store) MarkRead(ctx context.Context, id string) error {
	folder, email, uid, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.relay.MarkRead(ctx, folder, uid); err != nil {
		return s.checkAuth(err)
	}

	s.update(folder, id, func(e *types.Email) { e.IsRead = true })
	if !email.IsRead {
		s.mu.Lock()
		for i := range s.state.Folders {
			if s.state.Folders[i].Path == folder && s.state.Folders[i].UnreadCount > 0 {
				s.state.Folders[i].UnreadCount--
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// ToggleStar flips the starred flag and returns the new state
func (s *Store) ToggleStar(ctx context.Context, id string) (bool, error) {
	folder, email, uid, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	starred := !email.IsStarred
	if err := s.relay.ToggleStar(ctx, folder, uid, email.IsStarred); err != nil {
		return email.IsStarred, s.checkAuth(err)
	}

	s.update(folder, id, func(e *types.Email) { e.IsStarred = starred })
	return starred, nil
}

// Delete moves an email to trash and drops it from the list
func (s *Store) Delete(ctx context.Context, id string) error {
	folder, _, uid, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.relay.Delete(ctx, folder, uid); err != nil {
		return s.checkAuth(err)
	}
	s.remove(folder, id)
	return nil
}

// Move moves an email to another folder and drops it from the list
func (s *Store) Move(ctx context.Context, id, toFolder string) error {
	folder, _, uid, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.relay.Move(ctx, folder, uid, toFolder); err != nil {
		return s.checkAuth(err)
	}
	s.remove(folder, id)
	return nil
}

// Send submits msg and discards the draft on success
func (s *Store) Send(ctx context.Context, msg types.OutgoingMessage) error {
	if err := s.relay.Send(ctx, msg); err != nil {
		return s.checkAuth(err)
	}
	s.ClearDraft()
	return nil
}

// SaveDraft stores d as the current draft, stamping SavedAt
func (s *Store) SaveDraft(d Draft) {
	d.SavedAt = s.now()
	s.mu.Lock()
	s.state.Draft = &d
	s.mu.Unlock()
}

// ClearDraft discards the current draft
func (s *Store) ClearDraft() {
	s.mu.Lock()
	s.state.Draft = nil
	s.mu.Unlock()
}

// SetSearchFilters replaces the filters used by VisibleEmails
func (s *Store) SetSearchFilters(f SearchFilters) {
	s.mu.Lock()
	s.state.Filters = f
	s.mu.Unlock()
}

// VisibleEmails returns the current list narrowed by the search filters
func (s *Store) VisibleEmails() []types.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := s.state.Filters
	from, fromOK := parseFilterDate(f.DateFrom, false)
	to, toOK := parseFilterDate(f.DateTo, true)
	query := strings.ToLower(strings.TrimSpace(f.Query))

	out := make([]types.Email, 0, len(s.state.Emails))
	for _, e := range s.state.Emails {
		if query != "" && !matchesQuery(e, query) {
			continue
		}
		if f.HasAttachments != nil && (len(e.Attachments) > 0) != *f.HasAttachments {
			continue
		}
		if f.IsStarred != nil && e.IsStarred != *f.IsStarred {
			continue
		}
		if fromOK || toOK {
			date, err := time.Parse(time.RFC3339, e.Date)
			if err != nil {
				continue
			}
			if fromOK && date.Before(from) {
				continue
			}
			if toOK && date.After(to) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func matchesQuery(e types.Email, query string) bool {
	fields := []string{e.Subject, e.Preview, e.Body.Text}
	for _, a := range e.From {
		fields = append(fields, a.Name, a.Address)
	}
	for _, a := range e.To {
		fields = append(fields, a.Name, a.Address)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

// parseFilterDate accepts YYYY-MM-DD or RFC 3339. A bare date used as an
// upper bound covers the whole day.
func parseFilterDate(s string, endOfDay bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, true
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.state.Loading = v
	s.mu.Unlock()
}

func (s *Store) currentFolder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CurrentFolder
}

// lookup finds id in the current list and parses its UID
func (s *Store) lookup(id string) (string, types.Email, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.state.Emails {
		if e.ID != id {
			continue
		}
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return "", types.Email{}, 0, fmt.Errorf("email id %q is not a uid: %w", id, err)
		}
		folder := e.Folder
		if folder == "" {
			folder = s.state.CurrentFolder
		}
		return folder, e, uint32(uid), nil
	}
	return "", types.Email{}, 0, ErrUnknownEmail
}

// update applies fn to the listed email and the selection, if either is
// still showing it.
func (s *Store) update(folder, id string, fn func(*types.Email)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.CurrentFolder != folder {
		return
	}
	for i := range s.state.Emails {
		if s.state.Emails[i].ID == id {
			fn(&s.state.Emails[i])
		}
	}
	if s.state.Selected != nil && s.state.Selected.ID == id {
		fn(s.state.Selected)
	}
}

func (s *Store) remove(folder, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.CurrentFolder != folder {
		return
	}
	kept := s.state.Emails[:0]
	for _, e := range s.state.Emails {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	s.state.Emails = kept
	if s.state.Selected != nil && s.state.Selected.ID == id {
		s.state.Selected = nil
	}
}

// checkAuth drops back to the logged-out state when the relay no longer
// knows the session.
func (s *Store) checkAuth(err error) error {
	if IsAuthError(err) {
		s.mu.Lock()
		s.state = State{CurrentFolder: DefaultFolder, Draft: s.state.Draft}
		s.mu.Unlock()
	}
	return err
}
