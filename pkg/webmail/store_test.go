package webmail

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brandon/webmail-relay/pkg/types"
)

// MockRelay is a mock implementation of Relay
type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Connect(ctx context.Context, email, password string) error {
	return m.Called(ctx, email, password).Error(0)
}

func (m *MockRelay) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRelay) Folders(ctx context.Context) ([]types.Folder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Folder), args.Error(1)
}

func (m *MockRelay) Emails(ctx context.Context, folder string, limit int) ([]types.Email, error) {
	args := m.Called(ctx, folder, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Email), args.Error(1)
}

func (m *MockRelay) EmailBody(ctx context.Context, folder string, uid uint32) (string, error) {
	args := m.Called(ctx, folder, uid)
	return args.String(0), args.Error(1)
}

func (m *MockRelay) MarkRead(ctx context.Context, folder string, uid uint32) error {
	return m.Called(ctx, folder, uid).Error(0)
}

func (m *MockRelay) ToggleStar(ctx context.Context, folder string, uid uint32, starred bool) error {
	return m.Called(ctx, folder, uid, starred).Error(0)
}

func (m *MockRelay) Delete(ctx context.Context, folder string, uid uint32) error {
	return m.Called(ctx, folder, uid).Error(0)
}

func (m *MockRelay) Move(ctx context.Context, fromFolder string, uid uint32, toFolder string) error {
	return m.Called(ctx, fromFolder, uid, toFolder).Error(0)
}

func (m *MockRelay) Send(ctx context.Context, msg types.OutgoingMessage) error {
	return m.Called(ctx, msg).Error(0)
}

var ctx = context.Background()

func sampleEmails() []types.Email {
	return []types.Email{
		{
			ID: "7", Subject: "Quarterly report", Folder: "INBOX", Date: "2024-03-05T09:00:00.000Z",
			From:        []types.Address{{Name: "Alice", Address: "alice@example.test"}},
			Attachments: []types.Attachment{{Filename: "q1.pdf", ContentType: "application/pdf", Size: 10}},
		},
		{
			ID: "6", Subject: "Lunch?", Folder: "INBOX", Date: "2024-03-03T12:00:00.000Z", IsRead: true, IsStarred: true,
			From:    []types.Address{{Name: "Bob", Address: "bob@example.test"}},
			Preview: "are you free on friday",
		},
		{
			ID: "5", Subject: "Old news", Folder: "INBOX", Date: "2024-02-20T08:00:00.000Z", IsRead: true,
			From: []types.Address{{Address: "news@example.test"}},
		},
	}
}

func loggedInStore(t *testing.T) (*Store, *MockRelay) {
	t.Helper()
	relay := new(MockRelay)
	relay.On("Connect", ctx, "user@example.test", "pw").Return(nil).Once()
	relay.On("Emails", ctx, "INBOX", 25).Return(sampleEmails(), nil).Once()
	relay.On("Folders", ctx).Return([]types.Folder{
		{ID: "INBOX", Name: "INBOX", Path: "INBOX", SpecialUse: types.SpecialUseInbox, UnreadCount: 1},
	}, nil).Once()

	s := NewStore(relay, 25)
	require.NoError(t, s.Login(ctx, "user@example.test", "pw"))
	require.NoError(t, s.LoadFolders(ctx))
	require.NoError(t, s.OpenFolder(ctx, ""))
	return s, relay
}

func TestStoreInitialState(t *testing.T) {
	s := NewStore(new(MockRelay), 0)
	st := s.Snapshot()

	assert.False(t, st.Authenticated)
	assert.Equal(t, "INBOX", st.CurrentFolder)
	assert.Empty(t, st.Emails)
	assert.Nil(t, st.Selected)
}

func TestStoreLoginFailureKeepsState(t *testing.T) {
	relay := new(MockRelay)
	relay.On("Connect", ctx, "user@example.test", "bad").
		Return(&APIError{Status: http.StatusUnauthorized, Message: "Invalid credentials"})

	s := NewStore(relay, 0)
	err := s.Login(ctx, "user@example.test", "bad")
	assert.True(t, IsAuthError(err))
	assert.False(t, s.Snapshot().Authenticated)
}

func TestStoreLoginAndOpenFolder(t *testing.T) {
	s, relay := loggedInStore(t)
	st := s.Snapshot()

	assert.True(t, st.Authenticated)
	assert.Equal(t, "user@example.test", st.Account)
	assert.Len(t, st.Folders, 1)
	assert.Len(t, st.Emails, 3)
	assert.False(t, st.Loading)
	relay.AssertExpectations(t)
}

func TestStoreSelectMarksRead(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("EmailBody", ctx, "INBOX", uint32(7)).Return("<p>full</p>", nil).Once()
	relay.On("MarkRead", ctx, "INBOX", uint32(7)).Return(nil).Once()

	email, err := s.Select(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "<p>full</p>", email.Body.HTML)
	assert.True(t, email.IsRead)

	st := s.Snapshot()
	require.NotNil(t, st.Selected)
	assert.Equal(t, "7", st.Selected.ID)
	assert.True(t, st.Selected.IsRead)
	assert.True(t, st.Emails[0].IsRead)
	assert.Equal(t, 0, st.Folders[0].UnreadCount)
	relay.AssertExpectations(t)
}

func TestStoreSelectReadEmailSkipsMarkRead(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("EmailBody", ctx, "INBOX", uint32(6)).Return("<p>lunch</p>", nil).Once()

	_, err := s.Select(ctx, "6")
	require.NoError(t, err)
	relay.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestStoreToggleStarTwice(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("ToggleStar", ctx, "INBOX", uint32(7), false).Return(nil).Once()
	relay.On("ToggleStar", ctx, "INBOX", uint32(7), true).Return(nil).Once()

	starred, err := s.ToggleStar(ctx, "7")
	require.NoError(t, err)
	assert.True(t, starred)
	assert.True(t, s.Snapshot().Emails[0].IsStarred)

	starred, err = s.ToggleStar(ctx, "7")
	require.NoError(t, err)
	assert.False(t, starred)
	assert.False(t, s.Snapshot().Emails[0].IsStarred)
	relay.AssertExpectations(t)
}

func TestStoreMutationFailureLeavesState(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("ToggleStar", ctx, "INBOX", uint32(7), false).
		Return(&APIError{Status: http.StatusInternalServerError, Message: "NO flags rejected"})
	relay.On("Delete", ctx, "INBOX", uint32(6)).Return(errors.New("network down"))

	_, err := s.ToggleStar(ctx, "7")
	require.Error(t, err)
	assert.False(t, s.Snapshot().Emails[0].IsStarred)

	require.Error(t, s.Delete(ctx, "6"))
	assert.Len(t, s.Snapshot().Emails, 3)
	assert.True(t, s.Snapshot().Authenticated)
}

func TestStoreDeleteAndMove(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("EmailBody", ctx, "INBOX", uint32(6)).Return("<p>lunch</p>", nil).Once()
	relay.On("Delete", ctx, "INBOX", uint32(6)).Return(nil).Once()
	relay.On("Move", ctx, "INBOX", uint32(5), "Archive").Return(nil).Once()

	_, err := s.Select(ctx, "6")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "6"))
	st := s.Snapshot()
	assert.Len(t, st.Emails, 2)
	assert.Nil(t, st.Selected)

	require.NoError(t, s.Move(ctx, "5", "Archive"))
	st = s.Snapshot()
	require.Len(t, st.Emails, 1)
	assert.Equal(t, "7", st.Emails[0].ID)

	assert.ErrorIs(t, s.Delete(ctx, "5"), ErrUnknownEmail)
	relay.AssertExpectations(t)
}

func TestStoreSessionLossLogsOut(t *testing.T) {
	s, relay := loggedInStore(t)
	s.SaveDraft(Draft{ID: "d1", Subject: "unfinished"})
	relay.On("Folders", ctx).Return(nil, &APIError{Status: http.StatusUnauthorized, Message: "Not connected"})

	err := s.LoadFolders(ctx)
	require.Error(t, err)

	st := s.Snapshot()
	assert.False(t, st.Authenticated)
	assert.Empty(t, st.Emails)
	require.NotNil(t, st.Draft)
	assert.Equal(t, "unfinished", st.Draft.Subject)
}

func TestStoreLogout(t *testing.T) {
	s, relay := loggedInStore(t)
	relay.On("Disconnect", ctx).Return(errors.New("relay unreachable"))

	assert.Error(t, s.Logout(ctx))
	st := s.Snapshot()
	assert.False(t, st.Authenticated)
	assert.Empty(t, st.Account)
	assert.Equal(t, "INBOX", st.CurrentFolder)
}

func TestStoreDrafts(t *testing.T) {
	relay := new(MockRelay)
	s := NewStore(relay, 0)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.SaveDraft(Draft{ID: "d1", To: "a@example.test", Subject: "Hi"})
	st := s.Snapshot()
	require.NotNil(t, st.Draft)
	assert.Equal(t, fixed, st.Draft.SavedAt)

	msg := types.OutgoingMessage{To: []string{"a@example.test"}, Subject: "Hi"}
	relay.On("Send", ctx, msg).Return(errors.New("502")).Once()
	require.Error(t, s.Send(ctx, msg))
	assert.NotNil(t, s.Snapshot().Draft)

	relay.On("Send", ctx, msg).Return(nil).Once()
	require.NoError(t, s.Send(ctx, msg))
	assert.Nil(t, s.Snapshot().Draft)
}

func TestStoreVisibleEmails(t *testing.T) {
	s, _ := loggedInStore(t)
	yes, no := true, false

	ids := func() []string {
		var out []string
		for _, e := range s.VisibleEmails() {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name    string
		filters SearchFilters
		want    []string
	}{
		{"no filters", SearchFilters{}, []string{"7", "6", "5"}},
		{"query matches subject", SearchFilters{Query: "REPORT"}, []string{"7"}},
		{"query matches sender", SearchFilters{Query: "bob@"}, []string{"6"}},
		{"query matches preview", SearchFilters{Query: "friday"}, []string{"6"}},
		{"with attachments", SearchFilters{HasAttachments: &yes}, []string{"7"}},
		{"without attachments", SearchFilters{HasAttachments: &no}, []string{"6", "5"}},
		{"starred", SearchFilters{IsStarred: &yes}, []string{"6"}},
		{"from date", SearchFilters{DateFrom: "2024-03-01"}, []string{"7", "6"}},
		{"to date inclusive", SearchFilters{DateTo: "2024-03-03"}, []string{"6", "5"}},
		{"date range", SearchFilters{DateFrom: "2024-03-01", DateTo: "2024-03-04"}, []string{"6"}},
		{"no match", SearchFilters{Query: "zzz"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.SetSearchFilters(tt.filters)
			assert.Equal(t, tt.want, ids())
		})
	}
}
