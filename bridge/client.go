package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"meshchat/logging"
	"meshchat/mesh"
	"meshchat/models"
)

// Options configures a bridge connection.
type Options struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
	Logger         *zap.Logger
	// Directory receives every fetched contact list. A new one is created when nil.
	Directory *mesh.MemoryDirectory
}

type roomSession struct {
	admin bool
}

// Client is a live bridge connection.
type Client struct {
	options   Options
	logger    *zap.Logger
	conn      *websocket.Conn
	directory *mesh.MemoryDirectory

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan ResponseFrame

	roomsMu sync.RWMutex
	rooms   map[string]roomSession

	events chan mesh.RawEvent

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	lastErr   error
}

var (
	_ mesh.Client       = (*Client)(nil)
	_ mesh.RoomSessions = (*Client)(nil)
)

// Dial connects to the bridge at options.URL and starts the read and
// keep-alive loops.
func Dial(ctx context.Context, options Options) (*Client, error) {
	if options.URL == "" {
		return nil, errors.New("bridge url is required")
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}
	if options.Directory == nil {
		options.Directory = mesh.NewMemoryDirectory()
	}

	dialer := websocket.Dialer{HandshakeTimeout: options.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, options.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %q: %w", options.URL, err)
	}

	c := &Client{
		options:   options,
		logger:    logging.OrNop(options.Logger).Named("bridge"),
		conn:      conn,
		directory: options.Directory,
		pending:   make(map[string]chan ResponseFrame),
		rooms:     make(map[string]roomSession),
		events:    make(chan mesh.RawEvent, options.EventBuffer),
		done:      make(chan struct{}),
	}

	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.keepAliveLoop()

	c.logger.Info("connected to bridge", zap.String("url", options.URL))
	return c, nil
}

// Events delivers device events in arrival order; closed when the connection ends.
func (c *Client) Events() <-chan mesh.RawEvent {
	return c.events
}

// Directory is the contact directory refreshed by FetchPeers.
func (c *Client) Directory() *mesh.MemoryDirectory {
	return c.directory
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// LastError returns the error that ended the connection, if any.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.writeMu.Unlock()

	c.closeWithError(nil)
	return nil
}

// FetchPeers requests the device contact list.
func (c *Client) FetchPeers(ctx context.Context) ([]models.Peer, error) {
	result, err := c.request(ctx, CommandGetContacts, nil)
	if err != nil {
		return nil, err
	}

	rawContacts, _ := result["contacts"].([]any)
	peers := make([]models.Peer, 0, len(rawContacts))
	for _, raw := range rawContacts {
		entry, err := cast.ToStringMapE(raw)
		if err != nil {
			c.logger.Debug("skipping malformed contact", zap.Error(err))
			continue
		}
		record := mesh.PeerRecordFromPayload(entry)
		if record.IdentityKey == "" {
			continue
		}
		peers = append(peers, record.ToPeer(cast.ToInt64(entry["last_advert"])))
	}

	c.directory.Replace(peers)
	return peers, nil
}

// SendDirect sends text to peer.
func (c *Client) SendDirect(ctx context.Context, peer models.Peer, text string) (*mesh.SendResult, error) {
	result, err := c.request(ctx, CommandSendMessage, map[string]any{
		"dst":  peer.IdentityKey,
		"text": text,
	})
	if err != nil {
		return nil, err
	}
	return &mesh.SendResult{
		ExpectedAck:      cast.ToString(result["expected_ack"]),
		SuggestedTimeout: time.Duration(cast.ToInt64(result["suggested_timeout"])) * time.Millisecond,
	}, nil
}

// SendChannel sends text on a channel slot.
func (c *Client) SendChannel(ctx context.Context, channelIndex int, text string) error {
	_, err := c.request(ctx, CommandSendChannel, map[string]any{
		"channel": channelIndex,
		"text":    text,
	})
	return err
}

// SendAdvert broadcasts this node's advertisement.
func (c *Client) SendAdvert(ctx context.Context, flood bool) error {
	_, err := c.request(ctx, CommandSendAdvert, map[string]any{"flood": flood})
	return err
}

// Login authenticates to a room server. A rejected password is (false, nil).
func (c *Client) Login(ctx context.Context, roomName string, contact models.Peer, password string) (bool, error) {
	result, err := c.request(ctx, CommandSendLogin, map[string]any{
		"dst":      contact.IdentityKey,
		"password": password,
	})
	if err != nil {
		return false, err
	}
	if !cast.ToBool(result["success"]) {
		return false, nil
	}

	c.roomsMu.Lock()
	c.rooms[roomName] = roomSession{admin: cast.ToBool(result["is_admin"])}
	c.roomsMu.Unlock()
	return true, nil
}

// IsLoggedIn reports whether Login succeeded for roomName on this connection.
func (c *Client) IsLoggedIn(roomName string) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	_, ok := c.rooms[roomName]
	return ok
}

// IsAdmin reports whether the room session has admin rights.
func (c *Client) IsAdmin(roomName string) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	return c.rooms[roomName].admin
}

func (c *Client) request(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	responseCh := make(chan ResponseFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = responseCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(RequestFrame{Type: TypeRequest, ID: id, Command: command, Args: args}); err != nil {
		return nil, fmt.Errorf("send %s request: %w", command, err)
	}

	select {
	case response := <-responseCh:
		if !response.OK {
			return nil, &CommandError{Command: command, Message: response.Error}
		}
		if response.Result == nil {
			response.Result = map[string]any{}
		}
		return response.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s response: %w", command, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("wait for %s response: %w", command, mesh.ErrNotConnected)
	}
}

func (c *Client) writeJSON(frame any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
				return
			}
			select {
			case <-c.done:
			default:
				c.logger.Warn("bridge read failed", zap.Error(err))
			}
			c.closeWithError(err)
			return
		}

		if err := c.handleFrame(payload); err != nil {
			c.logger.Warn("dropping bridge frame", zap.Error(err))
		}
	}
}

func (c *Client) handleFrame(payload []byte) error {
	frameType, err := DecodeFrameType(payload)
	if err != nil {
		return err
	}

	switch frameType {
	case TypeEvent:
		var frame EventFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("decode event frame: %w", err)
		}
		select {
		case c.events <- mesh.RawEvent{Type: frame.Event, Payload: frame.Payload}:
		case <-c.done:
		}
		return nil

	case TypeResponse:
		var frame ResponseFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("decode response frame: %w", err)
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[frame.ID]
		c.pendingMu.Unlock()
		if !ok {
			return fmt.Errorf("response for unknown request %q", frame.ID)
		}
		select {
		case ch <- frame:
		default:
			return fmt.Errorf("duplicate response for request %q", frame.ID)
		}
		return nil

	default:
		return fmt.Errorf("%w: unexpected type %q", ErrInvalidFrame, frameType)
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.closeWithError(fmt.Errorf("send ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.lastErr = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}
