// Package mock provides in-memory implementations of [provider.Adapter] and
// [provider.Conn] for use in unit tests.
//
// All mocks are safe for concurrent use. Tests script what a leg yields with
// [Conn.Feed] and [Conn.End] and inspect what the bridge wrote with
// [Conn.Written].
//
// Typical usage:
//
//	conn := mock.NewConn("leg-1", audio.Format{Codec: audio.CodecMulaw, SampleRate: 8000})
//	adapter := mock.NewAdapter(provider.TypeTwilio)
//	adapter.Push(conn)
//	conn.Feed(provider.EventItem(provider.Started("CA123", "+15550100", "+15550199")))
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// ─── Adapter ─────────────────────────────────────────────────────────────────

// Adapter is a mock [provider.Adapter] that hands out pushed connections.
type Adapter struct {
	typ   provider.Type
	conns chan provider.Conn

	closeOnce sync.Once
	done      chan struct{}
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter returns an Adapter reporting typ.
func NewAdapter(typ provider.Type) *Adapter {
	return &Adapter{
		typ:   typ,
		conns: make(chan provider.Conn, 16),
		done:  make(chan struct{}),
	}
}

// Push queues conn to be returned by the next Accept.
func (a *Adapter) Push(conn provider.Conn) { a.conns <- conn }

// Type implements [provider.Adapter].
func (a *Adapter) Type() provider.Type { return a.typ }

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

// Close implements [provider.Adapter].
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// Conn is a scripted [provider.Conn].
type Conn struct {
	id     string
	format audio.Format
	items  chan provider.Item

	mu       sync.Mutex
	written  []audio.Frame
	clears   int
	closed   bool
	closedAt time.Time

	// WriteErr, when set, is returned by every WriteFrame call.
	WriteErr error

	endOnce   sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ provider.Conn    = (*Conn)(nil)
	_ provider.Clearer = (*Conn)(nil)
)

// NewConn returns a Conn with the given ID and wire format.
func NewConn(id string, format audio.Format) *Conn {
	return &Conn{
		id:     id,
		format: format,
		items:  make(chan provider.Item, 256),
		done:   make(chan struct{}),
	}
}

// Feed queues items for ReadFrame in order.
func (c *Conn) Feed(items ...provider.Item) {
	for _, it := range items {
		c.items <- it
	}
}

// FeedFrame queues one audio frame tagged with the leg's wire format.
func (c *Conn) FeedFrame(data []byte) {
	c.Feed(provider.FrameItem(audio.Frame{
		Data:       data,
		Codec:      c.format.Codec,
		SampleRate: c.format.SampleRate,
		Origin:     audio.OriginProvider,
	}))
}

// End queues an Ended event; ReadFrame returns [io.EOF] afterwards.
func (c *Conn) End(reason string) {
	c.endOnce.Do(func() {
		c.items <- provider.EventItem(provider.Ended(reason))
		close(c.items)
	})
}

// ID implements [provider.Conn].
func (c *Conn) ID() string { return c.id }

// Format implements [provider.Conn].
func (c *Conn) Format() audio.Format { return c.format }

// ReadFrame implements [provider.Conn].
func (c *Conn) ReadFrame(ctx context.Context) (provider.Item, error) {
	select {
	case it, ok := <-c.items:
		if !ok {
			return provider.Item{}, io.EOF
		}
		return it, nil
	case <-c.done:
		return provider.Item{}, io.EOF
	case <-ctx.Done():
		return provider.Item{}, ctx.Err()
	}
}

// WriteFrame implements [provider.Conn].
func (c *Conn) WriteFrame(_ context.Context, f audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrConnClosed
	}
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.written = append(c.written, f)
	return nil
}

// Clear implements [provider.Clearer].
func (c *Conn) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

// Close implements [provider.Conn].
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closedAt = time.Now()
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.written))
	copy(out, c.written)
	return out
}

// Clears returns how many times Clear was called.
func (c *Conn) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Closed reports whether Close was called, and when.
func (c *Conn) Closed() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closedAt
}

// Done is closed when the leg is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
