// Package bridge is the session core of callbridge. A [Bridge] accepts call
// legs from one provider adapter, opens a bot channel per call, relays audio
// in both directions through the codec engine and emits one usage record per
// call.
//
// Every call is a [Session] that moves through Connecting, Active, Draining
// and Closed. Each direction of an Active session runs a reader and a writer
// goroutine joined by a small bounded queue; when the queue overruns, the
// oldest frame is dropped. Nothing a session does, including a failing or
// panicking handler, can affect another session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/usage"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/bot"
	"github.com/MrWong99/callbridge/pkg/provider"
)

const (
	defaultDrainGrace       = 500 * time.Millisecond
	defaultHandshakeTimeout = 5 * time.Second
	defaultQueueFrames      = 10
)

// BotConn is one call's bot channel. [*bot.Conn] implements it.
type BotConn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendEvent(ctx context.Context, msg bot.ControlMessage) error
	Receive(ctx context.Context) (bot.Message, error)
	Close(reason string) error
}

// BotDialer opens a bot channel for a starting call.
type BotDialer interface {
	Dial(ctx context.Context, info bot.StartInfo) (BotConn, error)
}

// DialerFunc adapts a function to [BotDialer].
type DialerFunc func(ctx context.Context, info bot.StartInfo) (BotConn, error)

// Dial implements [BotDialer].
func (f DialerFunc) Dial(ctx context.Context, info bot.StartInfo) (BotConn, error) {
	return f(ctx, info)
}

// NewBotDialer adapts a [bot.Dialer] to [BotDialer].
func NewBotDialer(d *bot.Dialer) BotDialer {
	return DialerFunc(func(ctx context.Context, info bot.StartInfo) (BotConn, error) {
		c, err := d.Dial(ctx, info)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// RecordSink receives the usage record of every closed session. Submit must
// not block on I/O. [*usage.Reporter] implements it.
type RecordSink interface {
	Submit(rec usage.Record)
}

// Config holds the per-bridge settings.
type Config struct {
	// BotRate is the PCM16 sample rate spoken on the bot channel. It is also
	// the pivot rate of the codec engine.
	BotRate int

	// Output is the wire format written to the provider. For connectors that
	// announce their rate in the start message, the announced rate wins.
	Output audio.Format

	DrainGrace       time.Duration
	HandshakeTimeout time.Duration

	// QueueFrames bounds each direction's queue.
	QueueFrames int

	// MaxSessions caps concurrent calls. Zero means unlimited.
	MaxSessions int
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithRecordSink adds a destination for usage records.
func WithRecordSink(s RecordSink) Option {
	return func(b *Bridge) { b.sinks = append(b.sinks, s) }
}

// Bridge owns one adapter, one bot dialer and the set of live sessions. It
// holds no package-level state; several bridges may run in one process.
type Bridge struct {
	cfg     Config
	adapter provider.Adapter
	dialer  BotDialer
	metrics *observe.Metrics
	sinks   []RecordSink
	h       handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	slots    int

	// stateHook observes every state change; set by tests.
	stateHook func(s *Session, st State)
}

// New creates a Bridge. Register handlers before calling [Bridge.Run].
func New(cfg Config, adapter provider.Adapter, dialer BotDialer, opts ...Option) (*Bridge, error) {
	if adapter == nil {
		return nil, errors.New("bridge: adapter is required")
	}
	if dialer == nil {
		return nil, errors.New("bridge: bot dialer is required")
	}
	if !audio.ValidSampleRate(cfg.BotRate) {
		return nil, fmt.Errorf("bridge: %w: bot rate %d", audio.ErrUnsupportedRate, cfg.BotRate)
	}
	if _, err := audio.NewTranscoder(cfg.Output, cfg.BotRate); err != nil {
		return nil, fmt.Errorf("bridge: output format: %w", err)
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = defaultQueueFrames
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		adapter:  adapter,
		dialer:   dialer,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b, nil
}

// Provider returns the connector type this bridge serves.
func (b *Bridge) Provider() provider.Type { return b.adapter.Type() }

// Run accepts call legs until ctx ends or the adapter is closed, then waits
// for every session to finish. Cancelling ctx also ends every live session.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, b.cancel)
	defer stop()

	slog.Info("bridge: accepting calls", "provider", b.adapter.Type(), "max_sessions", b.cfg.MaxSessions)
	var runErr error
	for {
		conn, err := b.adapter.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, provider.ErrAdapterClosed) {
				runErr = fmt.Errorf("bridge: accept: %w", err)
			}
			break
		}
		if b.ctx.Err() != nil {
			_ = conn.Close()
			break
		}
		if !b.acquire() {
			slog.Warn("bridge: session limit reached, rejecting call leg",
				"conn_id", conn.ID(), "max_sessions", b.cfg.MaxSessions)
			b.metrics.RecordRejected(ctx, "max_sessions")
			_ = conn.Close()
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.release()
			b.serve(b.ctx, conn)
		}()
	}
	b.wg.Wait()
	return runErr
}

// Shutdown stops accepting calls, ends every live session with status
// completed and waits for them to close or ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if err := b.adapter.Close(); err != nil {
		slog.Warn("bridge: close adapter", "err", err)
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: shutdown: %w", ctx.Err())
	}
}

// Sessions returns a snapshot of every live session, oldest first.
func (b *Bridge) Sessions() []Info {
	b.mu.Lock()
	out := make([]Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Info())
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(a, c Info) int { return a.StartedAt.Compare(c.StartedAt) })
	return out
}

// acquire reserves a session slot.
func (b *Bridge) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxSessions > 0 && b.slots >= b.cfg.MaxSessions {
		return false
	}
	b.slots++
	return true
}

func (b *Bridge) release() {
	b.mu.Lock()
	b.slots--
	b.mu.Unlock()
}

func (b *Bridge) register(s *Session) {
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()
	b.metrics.ActiveSessions.Add(context.Background(), 1)
}

func (b *Bridge) unregister(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
	b.metrics.ActiveSessions.Add(context.Background(), -1)
}

// outputFormat returns the wire format written back on conn.
func (b *Bridge) outputFormat(conn provider.Conn) audio.Format {
	out := b.cfg.Output
	if wc, ok := b.adapter.Type().Constraint(); ok && wc.SampleRate == 0 {
		if rate := conn.Format().SampleRate; audio.ValidSampleRate(rate) {
			out.SampleRate = rate
		}
	}
	return out
}
