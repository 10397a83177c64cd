package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/webmail-relay/pkg/types"
)

type stubMailbox struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	disconnects int
}

func (m *stubMailbox) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *stubMailbox) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnects++
	return nil
}

func (m *stubMailbox) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *stubMailbox) ListFolders() ([]types.Folder, error)           { return nil, nil }
func (m *stubMailbox) ListMessages(string, int) ([]types.Email, error) { return nil, nil }
func (m *stubMailbox) MessageBody(string, uint32) (string, error)      { return "", nil }
func (m *stubMailbox) MarkRead(string, uint32) error                   { return nil }
func (m *stubMailbox) SetStarred(string, uint32, bool) error           { return nil }
func (m *stubMailbox) DeleteMessage(string, uint32) error              { return nil }
func (m *stubMailbox) MoveMessage(string, uint32, string) error        { return nil }

type countingObserver struct {
	mu        sync.Mutex
	created   int
	destroyed map[string]int
}

func (o *countingObserver) SessionCreated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *countingObserver) SessionDestroyed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed == nil {
		o.destroyed = make(map[string]int)
	}
	o.destroyed[reason]++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var account = types.Account{Address: "user@example.test", Secret: "hunter2"}

func newTestRegistry(mailboxes *[]*stubMailbox, connectErr error) (*Registry, *fakeClock) {
	logger, _ := test.NewNullLogger()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}

	r := NewRegistry(func(types.Account) Mailbox {
		m := &stubMailbox{connectErr: connectErr}
		if mailboxes != nil {
			*mailboxes = append(*mailboxes, m)
		}
		return m
	}, 30*time.Minute, logger)
	r.now = clock.Now
	return r, clock
}

func TestCreateAndDestroy(t *testing.T) {
	var boxes []*stubMailbox
	r, _ := newTestRegistry(&boxes, nil)
	obs := &countingObserver{}
	r.SetObserver(obs)

	id, err := r.Create(account)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Len())
	require.Len(t, boxes, 1)
	assert.True(t, boxes[0].isConnected())

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, account, s.Account)

	r.Destroy(id, ReasonLogout)
	assert.Equal(t, 0, r.Len())
	assert.False(t, boxes[0].isConnected())

	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// destroying twice is harmless
	r.Destroy(id, ReasonLogout)
	assert.Equal(t, 1, boxes[0].disconnects)

	assert.Equal(t, 1, obs.created)
	assert.Equal(t, map[string]int{ReasonLogout: 1}, obs.destroyed)
}

func TestCreateFailureStoresNothing(t *testing.T) {
	r, _ := newTestRegistry(nil, errors.New("invalid credentials"))

	id, err := r.Create(account)
	assert.EqualError(t, err, "invalid credentials")
	assert.Empty(t, id)
	assert.Equal(t, 0, r.Len())
}

func TestSessionIDsAreUnique(t *testing.T) {
	r, _ := newTestRegistry(nil, nil)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := r.Create(account)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 50, r.Len())
}

func TestGetUnknown(t *testing.T) {
	r, _ := newTestRegistry(nil, nil)

	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetTouchesLastActivity(t *testing.T) {
	r, clock := newTestRegistry(nil, nil)

	id, err := r.Create(account)
	require.NoError(t, err)
	created, ok := r.LastActivity(id)
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	_, err = r.Get(id)
	require.NoError(t, err)

	touched, ok := r.LastActivity(id)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, touched.Sub(created))
}

func TestSweep(t *testing.T) {
	var boxes []*stubMailbox
	r, clock := newTestRegistry(&boxes, nil)
	obs := &countingObserver{}
	r.SetObserver(obs)

	stale, err := r.Create(account)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	fresh, err := r.Create(account)
	require.NoError(t, err)

	// stale is now 31m idle, fresh 29m
	clock.Advance(29 * time.Minute)
	assert.Equal(t, 1, r.Sweep())

	_, err = r.Get(stale)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(fresh)
	assert.NoError(t, err)

	assert.False(t, boxes[0].isConnected())
	assert.True(t, boxes[1].isConnected())
	assert.Equal(t, map[string]int{ReasonIdle: 1}, obs.destroyed)
}

func TestSweepToleratesConcurrentDestroy(t *testing.T) {
	r, clock := newTestRegistry(nil, nil)

	ids := make([]string, 20)
	for i := range ids {
		id, err := r.Create(account)
		require.NoError(t, err)
		ids[i] = id
	}
	clock.Advance(time.Hour)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Destroy(id, ReasonLogout)
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Sweep()
	}()
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestClose(t *testing.T) {
	var boxes []*stubMailbox
	r, _ := newTestRegistry(&boxes, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Create(account)
		require.NoError(t, err)
	}

	r.Close()
	assert.Equal(t, 0, r.Len())
	for _, b := range boxes {
		assert.False(t, b.isConnected())
	}
}
