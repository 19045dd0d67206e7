// Package asterisk implements the Asterisk AudioSocket protocol.
//
// AudioSocket is a plain TCP stream of type-length-value packets:
//
//	kind (1 byte) | payload length (2 bytes, big-endian) | payload
//
// The first packet carries the call UUID, audio is signed linear 16-bit at
// 8 kHz, and a hangup packet (or closing the socket) ends the call. Asterisk
// dials out to the bridge, so the adapter owns a TCP listener.
package asterisk

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// Packet kinds.
const (
	KindHangup byte = 0x00
	KindUUID   byte = 0x01
	KindDTMF   byte = 0x03
	KindAudio  byte = 0x10
	KindError  byte = 0xff
)

const (
	headerLen    = 3
	maxPayload   = 1<<16 - 1
	sampleRate   = 8000
	itemBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Format is the only wire format AudioSocket carries.
var Format = audio.Format{Codec: audio.CodecPCM16, SampleRate: sampleRate}

// Adapter accepts AudioSocket connections on a TCP listener.
type Adapter struct {
	ln    net.Listener
	conns chan *Conn

	closeOnce sync.Once
	done      chan struct{}
}

var _ provider.ListenerAdapter = (*Adapter)(nil)

// Listen opens a TCP listener on addr and starts accepting AudioSocket
// connections.
func Listen(addr string) (*Adapter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("asterisk: listen %s: %w", addr, err)
	}
	return Serve(ln), nil
}

// Serve accepts AudioSocket connections on an existing listener.
func Serve(ln net.Listener) *Adapter {
	a := &Adapter{
		ln:    ln,
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}
	go a.acceptLoop()
	return a
}

// Type implements [provider.Adapter].
func (a *Adapter) Type() provider.Type { return provider.TypeAsterisk }

// Addr implements [provider.ListenerAdapter].
func (a *Adapter) Addr() string { return a.ln.Addr().String() }

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
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.ln.Close()
	})
	return err
}

func (a *Adapter) acceptLoop() {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			slog.Error("asterisk: accept failed", "err", err)
			return
		}
		c := newConn(nc)
		select {
		case a.conns <- c:
		case <-a.done:
			_ = c.Close()
			return
		}
	}
}

// Conn is one AudioSocket call leg.
type Conn struct {
	id    string
	nc    net.Conn
	items chan provider.Item
	seq   uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ provider.Conn = (*Conn)(nil)

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		id:    uuid.NewString(),
		nc:    nc,
		items: make(chan provider.Item, itemBuffer),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID implements [provider.Conn].
func (c *Conn) ID() string { return c.id }

// Format implements [provider.Conn].
func (c *Conn) Format() audio.Format { return Format }

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

// WriteFrame implements [provider.Conn]. Frames larger than one packet are
// split.
func (c *Conn) WriteFrame(ctx context.Context, f audio.Frame) error {
	if f.Format() != Format {
		return fmt.Errorf("asterisk: cannot send %s, socket carries %s", f.Format(), Format)
	}
	data := f.Data
	for len(data) > 0 {
		n := min(len(data), maxPayload&^1)
		if err := c.writePacket(ctx, KindAudio, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close implements [provider.Conn]. It sends a hangup packet before closing
// the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.writePacket(ctx, KindHangup, nil)
		cancel()
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) writePacket(ctx context.Context, kind byte, payload []byte) error {
	select {
	case <-c.done:
		return provider.ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	_ = c.nc.SetWriteDeadline(deadline)

	buf := make([]byte, headerLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("asterisk: write: %w", err)
	}
	return nil
}

// readLoop decodes packets until hangup, error or socket failure. It always
// ends with an Ended item and closes c.items.
func (c *Conn) readLoop() {
	defer close(c.items)
	r := bufio.NewReader(c.nc)
	header := make([]byte, headerLen)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			c.end(provider.ReasonDisconnect, err)
			return
		}
		kind := header[0]
		payload := make([]byte, binary.BigEndian.Uint16(header[1:3]))
		if _, err := io.ReadFull(r, payload); err != nil {
			c.end(provider.ReasonDisconnect, err)
			return
		}

		switch kind {
		case KindUUID:
			id, err := uuid.FromBytes(payload)
			if err != nil {
				slog.Debug("asterisk: malformed uuid packet", "conn", c.id, "err", err)
				continue
			}
			if !c.push(provider.EventItem(provider.Started(id.String(), "", ""))) {
				return
			}
		case KindAudio:
			c.seq++
			f := audio.Frame{
				Data:       payload,
				Codec:      audio.CodecPCM16,
				SampleRate: sampleRate,
				Origin:     audio.OriginProvider,
				Seq:        c.seq,
			}
			if !c.push(provider.FrameItem(f)) {
				return
			}
		case KindDTMF:
			if len(payload) != 1 || !provider.ValidDigit(string(payload)) {
				slog.Debug("asterisk: malformed dtmf packet", "conn", c.id)
				continue
			}
			if !c.push(provider.EventItem(provider.DTMF(string(payload)))) {
				return
			}
		case KindHangup:
			c.end(provider.ReasonHangup, nil)
			return
		case KindError:
			code := -1
			if len(payload) > 0 {
				code = int(payload[0])
			}
			slog.Warn("asterisk: error packet", "conn", c.id, "code", code)
			c.end(provider.ReasonError, nil)
			return
		default:
			slog.Debug("asterisk: unknown packet kind", "conn", c.id, "kind", kind)
		}
	}
}

func (c *Conn) end(reason string, err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("asterisk: read failed", "conn", c.id, "err", err)
	}
	c.push(provider.EventItem(provider.Ended(reason)))
}

func (c *Conn) push(it provider.Item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
		return false
	}
}
