// Package wsmedia implements the shared plumbing of every WebSocket media
// stream connector: HTTP upgrade, a per-leg read loop, serialised writes, and
// the hand-off of accepted legs to [provider.Adapter.Accept].
//
// The protocol specifics live in a [Dialect]. Each dialect produces one
// [Stream] per leg that turns inbound messages into [provider.Item] values and
// wraps outbound frames in the provider's envelope. Streams are only ever
// called with the leg's stream lock held and need no locking of their own.
package wsmedia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

const (
	defaultItemBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
	closeGracePeriod    = time.Second
)

// Message is one WebSocket data message.
type Message struct {
	Binary bool
	Data   []byte
}

// JSON marshals v into a text [Message].
func JSON(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}

// Dialect is one provider's media-stream protocol.
type Dialect interface {
	// Type returns the connector type the dialect implements.
	Type() provider.Type

	// NewStream returns the protocol state for a freshly upgraded leg. r is
	// the upgrade request; dialects read call identity headers from it.
	NewStream(r *http.Request) Stream
}

// Stream is the per-leg protocol state of a [Dialect].
type Stream interface {
	// Handle parses one inbound message. It returns the items to surface, in
	// order, and any messages to send back immediately (acks, pongs). A
	// returned error marks the message as malformed; the leg continues.
	Handle(msg Message) (items []provider.Item, replies []Message, err error)

	// Encode wraps an outbound frame in the provider's envelope.
	Encode(f audio.Frame) (Message, error)

	// Format returns the current wire format.
	Format() audio.Format
}

// ClearStream is implemented by streams whose provider can discard buffered
// playback.
type ClearStream interface {
	ClearMessage() Message
}

// ─── Adapter ─────────────────────────────────────────────────────────────────

// Option configures an [Adapter].
type Option func(*Adapter)

// WithItemBuffer sets how many parsed items a leg may hold before its read
// loop blocks. Blocking pushes back on the provider's socket.
func WithItemBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.itemBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write when the caller's context
// carries no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check. By default every
// origin is accepted; telephony platforms do not send browser origins.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(a *Adapter) { a.upgrader.CheckOrigin = fn }
}

// Adapter serves one [Dialect] as a [provider.HTTPAdapter].
type Adapter struct {
	dialect      Dialect
	upgrader     websocket.Upgrader
	itemBuffer   int
	writeTimeout time.Duration

	conns     chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ provider.HTTPAdapter = (*Adapter)(nil)

// New returns an Adapter speaking d.
func New(d Dialect, opts ...Option) *Adapter {
	a := &Adapter{
		dialect: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		itemBuffer:   defaultItemBuffer,
		writeTimeout: defaultWriteTimeout,
		conns:        make(chan *Conn),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type implements [provider.Adapter].
func (a *Adapter) Type() provider.Type { return a.dialect.Type() }

// ServeHTTP upgrades the request and hands the leg to the next Accept call.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		slog.Warn("wsmedia: upgrade failed", "provider", a.dialect.Type(), "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		stream:       a.dialect.NewStream(r),
		items:        make(chan provider.Item, a.itemBuffer),
		done:         make(chan struct{}),
		writeTimeout: a.writeTimeout,
		typ:          a.dialect.Type(),
	}
	go c.readLoop()

	select {
	case a.conns <- c:
	case <-a.done:
		_ = c.Close()
	}
}

// Accept implements [provider.Adapter].
func (a *Adapter) Accept(ctx context.Context) (provider.Conn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.done:
		return nil, provider.ErrAdapterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [provider.Adapter]. Upgrades racing with Close are closed
// immediately.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// Conn is one WebSocket media leg.
type Conn struct {
	id           string
	typ          provider.Type
	ws           *websocket.Conn
	writeTimeout time.Duration

	streamMu sync.Mutex
	stream   Stream

	// writeMu serialises writes; gorilla connections allow one writer.
	writeMu sync.Mutex

	items     chan provider.Item
	seq       uint64
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ provider.Conn    = (*Conn)(nil)
	_ provider.Clearer = (*Conn)(nil)
)

// ID implements [provider.Conn].
func (c *Conn) ID() string { return c.id }

// Format implements [provider.Conn].
func (c *Conn) Format() audio.Format {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return c.stream.Format()
}

// ReadFrame implements [provider.Conn].
func (c *Conn) ReadFrame(ctx context.Context) (provider.Item, error) {
	select {
	case it, ok := <-c.items:
		if !ok {
			return provider.Item{}, io.EOF
		}
		return it, nil
	case <-ctx.Done():
		return provider.Item{}, ctx.Err()
	}
}

// WriteFrame implements [provider.Conn].
func (c *Conn) WriteFrame(ctx context.Context, f audio.Frame) error {
	select {
	case <-c.done:
		return provider.ErrConnClosed
	default:
	}
	c.streamMu.Lock()
	msg, err := c.stream.Encode(f)
	c.streamMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsmedia: encode %s frame: %w", c.typ, err)
	}
	return c.write(ctx, msg)
}

// Clear implements [provider.Clearer]. It is a no-op for dialects without a
// clear message.
func (c *Conn) Clear(ctx context.Context) error {
	c.streamMu.Lock()
	cs, ok := c.stream.(ClearStream)
	var msg Message
	if ok {
		msg = cs.ClearMessage()
	}
	c.streamMu.Unlock()
	if !ok {
		return nil
	}
	return c.write(ctx, msg)
}

// Close implements [provider.Conn].
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wsmedia: set write deadline: %w", err)
	}
	mt := websocket.TextMessage
	if msg.Binary {
		mt = websocket.BinaryMessage
	}
	if err := c.ws.WriteMessage(mt, msg.Data); err != nil {
		select {
		case <-c.done:
			return provider.ErrConnClosed
		default:
		}
		return fmt.Errorf("wsmedia: write: %w", err)
	}
	return nil
}

// readLoop parses inbound messages until the socket fails or the dialect
// reports the end of the call. It always closes c.items on exit.
func (c *Conn) readLoop() {
	defer close(c.items)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := provider.ReasonDisconnect
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = provider.ReasonHangup
			}
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					slog.Debug("wsmedia: read failed", "provider", c.typ, "conn", c.id, "err", err)
				}
				c.push(provider.EventItem(provider.Ended(reason)))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		c.streamMu.Lock()
		items, replies, err := c.stream.Handle(Message{Binary: mt == websocket.BinaryMessage, Data: data})
		c.streamMu.Unlock()
		if err != nil {
			slog.Debug("wsmedia: dropping malformed message", "provider", c.typ, "conn", c.id, "err", err)
			continue
		}

		for _, r := range replies {
			if err := c.write(context.Background(), r); err != nil {
				slog.Warn("wsmedia: reply failed", "provider", c.typ, "conn", c.id, "err", err)
			}
		}

		for _, it := range items {
			if it.Event == nil {
				c.seq++
				it.Frame.Origin = audio.OriginProvider
				it.Frame.Seq = c.seq
			}
			if !c.push(it) {
				return
			}
			if it.Event != nil && it.Event.Kind == provider.EventEnded {
				return
			}
		}
	}
}

func (c *Conn) push(it provider.Item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
		return false
	}
}
