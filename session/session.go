// Package session is the ingestion core of a mesh chat client: it consumes
// device events, attributes and persists messages, tracks read state and
// exposes the queries and actions a front end needs.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"meshchat/identity"
	"meshchat/logging"
	"meshchat/mesh"
	"meshchat/models"
	"meshchat/storage"
)

const (
	defaultHistoryLimit       = 1000
	defaultCacheLimit         = 1000
	defaultNotificationBuffer = 256
	defaultSendRatePerMinute  = 30
	defaultRefreshTimeout     = 30 * time.Second
)

var (
	// ErrUnknownPeer is returned when a recipient or peer reference matches nothing.
	ErrUnknownPeer = errors.New("session: unknown peer")
	// ErrUnknownChannel is returned when a channel label or name matches no channel.
	ErrUnknownChannel = errors.New("session: unknown channel")
	// ErrRoomsUnavailable is returned by room actions when no room session manager is configured.
	ErrRoomsUnavailable = errors.New("session: room sessions unavailable")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("session: already running")
)

// Options configures a Session.
type Options struct {
	Client mesh.Client
	Store  *storage.Store

	// Directory holds the device contact list. A private one is created when nil.
	Directory *mesh.MemoryDirectory
	// Rooms defaults to Directory.
	Rooms        mesh.RoomDirectory
	RoomSessions mesh.RoomSessions

	Logger *zap.Logger

	// SendRatePerMinute paces outbound sends; negative disables pacing.
	SendRatePerMinute  int
	HistoryLimit       int
	CacheLimit         int
	NotificationBuffer int
	RefreshTimeout     time.Duration
	FreshnessSource    models.FreshnessSource
	// SyncOnStart makes Run fetch the contact list in the background once it
	// is consuming events.
	SyncOnStart bool

	Now func() time.Time
}

// Session ties a device client to the message store.
type Session struct {
	options Options
	logger  *zap.Logger

	client    mesh.Client
	store     *storage.Store
	directory *mesh.MemoryDirectory
	peers     *identity.ChainDirectory
	resolver  *identity.Resolver
	limiter   ratelimit.Limiter

	refresh latch
	running atomic.Bool
	wg      sync.WaitGroup

	cacheMu      sync.RWMutex
	cache        []models.Message
	pathLengths  map[string]int
	channelNames map[int]string

	selectMu sync.RWMutex
	selected string

	syncMu     sync.RWMutex
	lastSyncAt int64
	syncedKeys map[string]struct{}

	notifyMu      sync.RWMutex
	notifications chan Notification
	notifyClosed  bool
	consumer      atomic.Int32
}

// New validates options and builds a session. The in-memory message cache is
// warmed from the store; a failed warm-up is logged, not returned.
func New(options Options) (*Session, error) {
	if options.Client == nil {
		return nil, errors.New("client is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Directory == nil {
		options.Directory = mesh.NewMemoryDirectory()
	}
	if options.Rooms == nil {
		options.Rooms = options.Directory
	}
	if options.HistoryLimit <= 0 {
		options.HistoryLimit = defaultHistoryLimit
	}
	if options.CacheLimit <= 0 {
		options.CacheLimit = defaultCacheLimit
	}
	if options.NotificationBuffer <= 0 {
		options.NotificationBuffer = defaultNotificationBuffer
	}
	if options.SendRatePerMinute == 0 {
		options.SendRatePerMinute = defaultSendRatePerMinute
	}
	if options.RefreshTimeout <= 0 {
		options.RefreshTimeout = defaultRefreshTimeout
	}
	if !options.FreshnessSource.Valid() {
		options.FreshnessSource = models.FreshnessFromStore
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	logger := logging.OrNop(options.Logger).Named("session")
	peers := identity.NewChainDirectory(options.Directory, options.Store, logger)

	s := &Session{
		options:       options,
		logger:        logger,
		client:        options.Client,
		store:         options.Store,
		directory:     options.Directory,
		peers:         peers,
		resolver:      identity.NewResolver(peers, options.Rooms),
		limiter:       newLimiter(options.SendRatePerMinute),
		pathLengths:   make(map[string]int),
		channelNames:  make(map[int]string),
		syncedKeys:    make(map[string]struct{}),
		notifications: make(chan Notification, options.NotificationBuffer),
	}

	if err := s.warmCache(); err != nil {
		s.logger.Warn("warm message cache", zap.Error(err))
	}

	return s, nil
}

func newLimiter(perMinute int) ratelimit.Limiter {
	if perMinute < 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(perMinute, ratelimit.Per(time.Minute))
}

// Run dispatches device events one at a time, in delivery order, until ctx is
// cancelled or the client closes its event stream. Background peer refreshes
// started by events are awaited before Run returns, after which the
// notification queue is closed.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.closeNotifications()
	defer s.wg.Wait()

	if s.options.SyncOnStart {
		s.refreshInBackground(ctx)
	}

	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				s.logger.Info("event stream closed")
				return nil
			}
			s.dispatch(ctx, raw)
		}
	}
}

// SelfLabel is the sender label of locally authored messages.
func (s *Session) SelfLabel() string {
	return s.store.SelfLabel()
}

func (s *Session) nowUnix() int64 {
	return s.options.Now().Unix()
}

func (s *Session) warmCache() error {
	messages, err := s.store.RecentMessages(s.options.CacheLimit)
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache = append(s.cache[:0], messages...)
	s.cacheMu.Unlock()
	return nil
}
