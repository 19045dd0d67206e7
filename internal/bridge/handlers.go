package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callbridge/internal/usage"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// Handler names used in logs and the callbridge.handler.errors metric.
const (
	HandlerCallStart = "OnCallStart"
	HandlerAudio     = "OnAudio"
	HandlerCallEnd   = "OnCallEnd"
	HandlerDTMF      = "OnDTMF"
	HandlerHold      = "OnHold"
	HandlerResume    = "OnResume"
)

// CallStartFunc runs once the bot channel is up and the session is Active.
type CallStartFunc func(ctx context.Context, s *Session) error

// AudioFunc runs for every relayed frame, in the loop that produced it. f is
// PCM16 at the bot rate; Origin tells the direction. f.Data must not be
// modified or retained.
type AudioFunc func(ctx context.Context, s *Session, f audio.Frame) error

// CallEndFunc runs once the session is Closed, with the usage record it
// produced.
type CallEndFunc func(ctx context.Context, s *Session, rec usage.Record) error

// DTMFFunc runs for each keypad digit.
type DTMFFunc func(ctx context.Context, s *Session, digit string) error

// HoldFunc runs when the caller is put on hold or taken off hold.
type HoldFunc func(ctx context.Context, s *Session) error

// handlers is the callback list shared by every session of a Bridge.
type handlers struct {
	mu        sync.RWMutex
	callStart []CallStartFunc
	audio     []AudioFunc
	callEnd   []CallEndFunc
	dtmf      []DTMFFunc
	hold      []HoldFunc
	resume    []HoldFunc
}

// OnCallStart registers fn. Handlers run in registration order.
func (b *Bridge) OnCallStart(fn CallStartFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.callStart = append(b.h.callStart, fn)
}

// OnAudio registers fn.
func (b *Bridge) OnAudio(fn AudioFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.audio = append(b.h.audio, fn)
}

// OnCallEnd registers fn.
func (b *Bridge) OnCallEnd(fn CallEndFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.callEnd = append(b.h.callEnd, fn)
}

// OnDTMF registers fn.
func (b *Bridge) OnDTMF(fn DTMFFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.dtmf = append(b.h.dtmf, fn)
}

// OnHold registers fn.
func (b *Bridge) OnHold(fn HoldFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.hold = append(b.h.hold, fn)
}

// OnResume registers fn.
func (b *Bridge) OnResume(fn HoldFunc) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.resume = append(b.h.resume, fn)
}

func (s *Session) fireCallStart(ctx context.Context) {
	s.b.h.mu.RLock()
	fns := s.b.h.callStart
	s.b.h.mu.RUnlock()
	for _, fn := range fns {
		s.invoke(ctx, HandlerCallStart, func() error { return fn(ctx, s) })
	}
}

func (s *Session) fireAudio(ctx context.Context, f audio.Frame) {
	s.b.h.mu.RLock()
	fns := s.b.h.audio
	s.b.h.mu.RUnlock()
	for _, fn := range fns {
		s.invoke(ctx, HandlerAudio, func() error { return fn(ctx, s, f) })
	}
}

func (s *Session) fireCallEnd(ctx context.Context, rec usage.Record) {
	s.b.h.mu.RLock()
	fns := s.b.h.callEnd
	s.b.h.mu.RUnlock()
	for _, fn := range fns {
		s.invoke(ctx, HandlerCallEnd, func() error { return fn(ctx, s, rec) })
	}
}

func (s *Session) fireDTMF(ctx context.Context, digit string) {
	s.b.h.mu.RLock()
	fns := s.b.h.dtmf
	s.b.h.mu.RUnlock()
	for _, fn := range fns {
		s.invoke(ctx, HandlerDTMF, func() error { return fn(ctx, s, digit) })
	}
}

func (s *Session) fireHold(ctx context.Context, held bool) {
	s.b.h.mu.RLock()
	fns, name := s.b.h.resume, HandlerResume
	if held {
		fns, name = s.b.h.hold, HandlerHold
	}
	s.b.h.mu.RUnlock()
	for _, fn := range fns {
		s.invoke(ctx, name, func() error { return fn(ctx, s) })
	}
}

// invoke runs one handler. Errors and panics are logged and counted; they
// never reach the relay loop.
func (s *Session) invoke(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bridge: handler panicked", "handler", name, "panic", fmt.Sprint(r))
			s.b.metrics.RecordHandlerError(ctx, name)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("bridge: handler failed", "handler", name, "err", err)
		s.b.metrics.RecordHandlerError(ctx, name)
	}
}
