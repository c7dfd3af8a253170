package presence

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     string
	userID uuid.UUID

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeHandle(userID uuid.UUID) *fakeHandle {
	return &fakeHandle{id: uuid.NewString(), userID: userID}
}

func (h *fakeHandle) ID() string        { return h.id }
func (h *fakeHandle) UserID() uuid.UUID { return h.userID }

func (h *fakeHandle) Send(msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) messages() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	alice := newFakeHandle(uuid.New())

	assert.Nil(t, r.Register(alice))

	got, ok := r.Lookup(alice.userID)
	require.True(t, ok)
	assert.Same(t, alice, got)
	assert.Equal(t, 1, r.Count())

	assert.True(t, r.Unregister(alice))
	_, ok = r.Lookup(alice.userID)
	assert.False(t, ok)
	assert.False(t, r.Unregister(alice))
}

func TestRegistry_NewestRegistrationWins(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	first := newFakeHandle(userID)
	second := newFakeHandle(userID)

	require.Nil(t, r.Register(first))
	replaced := r.Register(second)
	assert.Same(t, first, replaced)

	// the stale connection going away must not evict the new one
	assert.False(t, r.Unregister(first))
	got, ok := r.Lookup(userID)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_ChangeNotifications(t *testing.T) {
	r := NewRegistry()
	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	alice := newFakeHandle(uuid.New())
	bob := newFakeHandle(uuid.New())
	aliceAgain := newFakeHandle(alice.userID)

	r.Register(alice)
	r.Register(bob)
	r.Register(aliceAgain)
	r.Unregister(alice)
	r.Unregister(aliceAgain)

	require.Len(t, changes, 4)
	assert.True(t, changes[0].Online)
	assert.False(t, changes[0].Reconnect)
	assert.Equal(t, []uuid.UUID{alice.userID}, changes[0].Roster)
	assert.True(t, changes[1].Online)
	assert.Len(t, changes[1].Roster, 2)
	assert.True(t, changes[2].Online)
	assert.True(t, changes[2].Reconnect)
	assert.Equal(t, alice.userID, changes[2].UserID)
	assert.Len(t, changes[2].Roster, 2)
	assert.False(t, changes[3].Online)
	assert.Equal(t, alice.userID, changes[3].UserID)
	assert.Equal(t, []uuid.UUID{bob.userID}, changes[3].Roster)
}

func TestRegistry_ReconnectReceivesRoster(t *testing.T) {
	r := NewRegistry()
	r.OnChange(func(Change) { r.Broadcast([]byte("roster")) })

	userID := uuid.New()
	first := newFakeHandle(userID)
	second := newFakeHandle(userID)

	r.Register(first)
	assert.Len(t, first.messages(), 1)

	r.Register(second)
	assert.Len(t, second.messages(), 1)
	// the replaced connection is no longer a broadcast target
	assert.Len(t, first.messages(), 1)

	// registering the current handle again changes nothing
	r.Register(second)
	assert.Len(t, second.messages(), 1)
}

func TestRegistry_BroadcastSkipsExcluded(t *testing.T) {
	r := NewRegistry()
	alice := newFakeHandle(uuid.New())
	bob := newFakeHandle(uuid.New())
	carol := newFakeHandle(uuid.New())
	r.Register(alice)
	r.Register(bob)
	r.Register(carol)
	carol.Close()

	sent := r.Broadcast([]byte("hello"), bob.userID)

	assert.Equal(t, 1, sent)
	assert.Len(t, alice.messages(), 1)
	assert.Empty(t, bob.messages())
}

func TestRegistry_CloseClosesHandles(t *testing.T) {
	r := NewRegistry()
	alice := newFakeHandle(uuid.New())
	r.Register(alice)

	r.Close()

	assert.Equal(t, 0, r.Count())
	assert.ErrorIs(t, alice.Send([]byte("x")), ErrClosed)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := newFakeHandle(uuid.New())
			r.Register(h)
			r.Lookup(h.userID)
			r.Unregister(h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Online())
}
