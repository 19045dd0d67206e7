// Package bot is the bridge's client for the voice-bot backend.
//
// Each call opens one WebSocket to the bot URL. Binary messages carry PCM16
// audio at the bot sample rate in both directions; text messages carry JSON
// [ControlMessage] envelopes. The connection is never re-established: if the
// bot goes away mid-call, [Conn.Receive] returns an error wrapping
// [ErrDisconnected] and the call ends.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/audio"
)

var (
	// ErrClosed is returned by operations on a Conn after Close.
	ErrClosed = errors.New("bot: connection closed")

	// ErrDisconnected wraps the transport error when the bot drops the
	// connection.
	ErrDisconnected = errors.New("bot: disconnected")

	// ErrInvalidControl marks an inbound text message that fails schema
	// validation.
	ErrInvalidControl = errors.New("bot: invalid control message")
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	readLimit               = 1 << 20
	receiveBuffer           = 64
	closeTimeout            = time.Second
)

// StartInfo describes the call announced in the call_start message.
type StartInfo struct {
	SessionID string
	CallID    string
	From      string
	To        string
	Provider  string
}

// Message is one inbound item from the bot: either audio or a control
// message.
type Message struct {
	Audio   []byte
	Control *ControlMessage
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithHeader adds an HTTP header to every upgrade request.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// WithHandshakeTimeout bounds dial plus the call_start write.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.handshakeTimeout = timeout
		}
	}
}

// WithHTTPClient overrides the HTTP client used for the upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// Dialer opens bot connections.
type Dialer struct {
	url              string
	format           audio.Format
	header           http.Header
	handshakeTimeout time.Duration
	httpClient       *http.Client
}

// NewDialer returns a Dialer for the bot at url. format is the bot's PCM16
// sample rate (and codec label) announced in call_start.
func NewDialer(url string, format audio.Format, opts ...Option) *Dialer {
	d := &Dialer{
		url:              url,
		format:           format,
		header:           http.Header{},
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format returns the audio format spoken on the bot channel.
func (d *Dialer) Format() audio.Format { return d.format }

// Dial connects to the bot and sends call_start. The whole handshake is
// bounded by the handshake timeout.
func (d *Dialer) Dial(ctx context.Context, info StartInfo) (*Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(hctx, d.url, &websocket.DialOptions{
		HTTPHeader: d.header.Clone(),
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: dial %s: %w", d.url, err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		sessionID: info.SessionID,
		ctx:       connCtx,
		cancel:    connCancel,
		msgs:      make(chan Message, receiveBuffer),
	}

	start := ControlMessage{
		Type:       TypeCallStart,
		CallID:     info.CallID,
		From:       info.From,
		To:         info.To,
		Provider:   info.Provider,
		SampleRate: d.format.SampleRate,
		Codec:      string(d.format.Codec),
	}
	if err := c.writeControl(hctx, start); err != nil {
		connCancel()
		_ = ws.Close(websocket.StatusInternalError, "call_start failed")
		return nil, fmt.Errorf("bot: send call_start: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Conn is one call's bot channel. SendAudio, SendEvent and Receive may be
// used from different goroutines.
type Conn struct {
	ws        *websocket.Conn
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan Message

	mu      sync.Mutex
	readErr error
	closed  bool

	closeOnce sync.Once
}

// SendAudio writes one PCM16 chunk.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("bot: write audio: %w", err)
	}
	return nil
}

// SendEvent writes a control message. The session ID is filled in.
func (c *Conn) SendEvent(ctx context.Context, msg ControlMessage) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeControl(ctx, msg)
}

func (c *Conn) writeControl(ctx context.Context, msg ControlMessage) error {
	msg.SessionID = c.sessionID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bot: marshal %s: %w", msg.Type, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bot: write %s: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next inbound message. Cancelling ctx abandons the
// wait without affecting the connection. After the bot disconnects it
// returns an error wrapping [ErrDisconnected]; after Close it returns
// [ErrClosed].
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return Message{}, c.err()
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close sends call_end with reason and closes the socket normally.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = c.writeControl(ctx, ControlMessage{Type: TypeCallEnd, Reason: reason})
		cancel()

		err = c.ws.Close(websocket.StatusNormalClosure, truncate(reason, 120))
		c.cancel()
		var ce websocket.CloseError
		if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// readLoop owns c.msgs and closes it on exit.
func (c *Conn) readLoop() {
	defer close(c.msgs)
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.setReadErr(err)
			return
		}
		var m Message
		switch typ {
		case websocket.MessageBinary:
			m.Audio = data
		case websocket.MessageText:
			ctl, err := ParseControl(data)
			if err != nil {
				slog.Warn("bot: dropping control message", "session_id", c.sessionID, "err", err)
				continue
			}
			m.Control = &ctl
		}
		select {
		case c.msgs <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.readErr = ErrClosed
		return
	}
	c.readErr = fmt.Errorf("%w: %w", ErrDisconnected, err)
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// truncate keeps close reasons within the control frame limit.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
