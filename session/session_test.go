package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshchat/mesh"
	"meshchat/models"
	"meshchat/storage"
)

const (
	aliceKey = "a11ce0000000000000000000000000000000000000000000000000000000a11c"
	bobKey   = "b0b0000000000000000000000000000000000000000000000000000000000b0b"
	roomKey  = "r00m000000000000000000000000000000000000000000000000000000000r00"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

type sentDirect struct {
	Peer models.Peer
	Text string
}

type sentChannel struct {
	Index int
	Text  string
}

type fakeClient struct {
	events chan mesh.RawEvent

	mu           sync.Mutex
	peers        []models.Peer
	fetchErr     error
	fetchPanic   bool
	fetchCalls   int
	fetchStarted chan struct{}
	fetchRelease chan struct{}
	sendErr      error
	directs      []sentDirect
	channels     []sentChannel
	adverts      []bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan mesh.RawEvent, 16)}
}

func (c *fakeClient) Events() <-chan mesh.RawEvent {
	return c.events
}

func (c *fakeClient) FetchPeers(ctx context.Context) ([]models.Peer, error) {
	c.mu.Lock()
	c.fetchCalls++
	started, release := c.fetchStarted, c.fetchRelease
	peers := append([]models.Peer(nil), c.peers...)
	err, shouldPanic := c.fetchErr, c.fetchPanic
	c.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldPanic {
		panic("device went away")
	}
	return peers, err
}

func (c *fakeClient) SendDirect(_ context.Context, peer models.Peer, text string) (*mesh.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.directs = append(c.directs, sentDirect{Peer: peer, Text: text})
	return &mesh.SendResult{ExpectedAck: "ack-1", SuggestedTimeout: time.Second}, nil
}

func (c *fakeClient) SendChannel(_ context.Context, index int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.channels = append(c.channels, sentChannel{Index: index, Text: text})
	return nil
}

func (c *fakeClient) SendAdvert(_ context.Context, flood bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adverts = append(c.adverts, flood)
	return nil
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls
}

type fakeRoomSessions struct {
	mu       sync.Mutex
	loggedIn map[string]bool
	admin    map[string]bool
	password string
}

func (r *fakeRoomSessions) IsLoggedIn(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loggedIn[name]
}

func (r *fakeRoomSessions) IsAdmin(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin[name]
}

func (r *fakeRoomSessions) Login(_ context.Context, name string, _ models.Peer, password string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if password != r.password {
		return false, nil
	}
	r.loggedIn[name] = true
	r.admin[name] = true
	return true, nil
}

type testEnv struct {
	session   *Session
	client    *fakeClient
	store     *storage.Store
	directory *mesh.MemoryDirectory
	clock     *testClock
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "meshchat.db"), storage.WithWALCheckpointInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	directory := mesh.NewMemoryDirectory()
	directory.Replace([]models.Peer{
		{IdentityKey: aliceKey, Name: "alice-node", BroadcastName: "Alice", Role: models.RoleChat, LastSeen: 10},
		{IdentityKey: bobKey, Name: "Bob", Role: models.RoleChat, LastSeen: 10},
		{IdentityKey: roomKey, Name: "Hilltop", Role: models.RoleRoomServer, LastSeen: 10},
	})

	clock := &testClock{now: time.Unix(1000, 0)}
	client := newFakeClient()
	options := Options{
		Client:            client,
		Store:             store,
		Directory:         directory,
		Logger:            zaptest.NewLogger(t),
		SendRatePerMinute: -1,
		Now:               clock.Now,
	}
	for _, fn := range configure {
		fn(&options)
	}

	s, err := New(options)
	require.NoError(t, err)

	return &testEnv{session: s, client: client, store: store, directory: directory, clock: clock}
}

// ingest dispatches raw events synchronously, bypassing Run.
func (e *testEnv) ingest(events ...mesh.RawEvent) {
	for _, ev := range events {
		e.session.dispatch(context.Background(), ev)
	}
}

func (e *testEnv) nextNotification(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-e.session.notifications:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func directEvent(ref, signature, text string, ts int64) mesh.RawEvent {
	return mesh.RawEvent{Type: mesh.RawContactMessage, Payload: map[string]any{
		"pubkey_prefix": ref,
		"signature":     signature,
		"text":          text,
		"timestamp":     ts,
	}}
}

func channelEvent(channel int, text string, ts int64) mesh.RawEvent {
	return mesh.RawEvent{Type: mesh.RawChannelMessage, Payload: map[string]any{
		"channel_idx":      channel,
		"text":             text,
		"sender_timestamp": ts,
	}}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Client: newFakeClient()})
	require.Error(t, err)
}

func TestNewWarmsCacheFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(directEvent(aliceKey[:12], "", "hello", 900))

	s, err := New(Options{Client: newFakeClient(), Store: env.store, SendRatePerMinute: -1})
	require.NoError(t, err)

	cached := s.CachedMessages("")
	require.Len(t, cached, 1)
	assert.Equal(t, "hello", cached[0].Text)
}

func TestRunProcessesEventsInOrderAndClosesQueue(t *testing.T) {
	env := newTestEnv(t)
	notifications := env.session.Notifications()

	env.client.events <- directEvent(aliceKey[:12], "", "one", 1)
	env.client.events <- mesh.RawEvent{Type: "battery", Payload: map[string]any{"level": 80}}
	env.client.events <- directEvent(bobKey[:12], "", "two", 2)
	close(env.client.events)

	require.NoError(t, env.session.Run(context.Background()))

	var texts []string
	for n := range notifications {
		texts = append(texts, n.Text)
	}
	assert.Equal(t, []string{"one", "two"}, texts)

	assert.ErrorIs(t, env.session.Run(context.Background()), ErrAlreadyRunning)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.session.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type panickyRooms struct{}

func (panickyRooms) LookupRoomByKey(string) (string, bool) {
	panic("room directory corrupted")
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Rooms = panickyRooms{} })
	notifications := env.session.Notifications()

	env.client.events <- directEvent(aliceKey[:12], "", "lost", 1)
	env.client.events <- channelEvent(0, "Bob: still here", 2)
	close(env.client.events)

	require.NoError(t, env.session.Run(context.Background()))

	var texts []string
	for n := range notifications {
		texts = append(texts, n.Text)
	}
	assert.Equal(t, []string{"still here"}, texts)
}

func TestRunSyncOnStartDoesNotHoldUpEvents(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.SyncOnStart = true })
	env.client.peers = []models.Peer{{IdentityKey: aliceKey, Name: "alice-node", BroadcastName: "Alice", Role: models.RoleChat}}
	env.client.fetchStarted = make(chan struct{}, 1)
	env.client.fetchRelease = make(chan struct{})

	for i := 0; i < 3; i++ {
		env.client.events <- directEvent(aliceKey[:12], "", "queued", int64(100+i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- env.session.Run(ctx) }()

	<-env.client.fetchStarted
	for i := 0; i < 3; i++ {
		n := env.nextNotification(t)
		assert.Equal(t, NotifyMessage, n.Kind, "queued events are ingested while the sync is in flight")
	}

	close(env.client.fetchRelease)
	n := env.nextNotification(t)
	assert.Equal(t, NotifyPeersChanged, n.Kind)

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
	assert.Equal(t, 1, env.client.calls())
}
