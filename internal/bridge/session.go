package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/usage"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/bot"
	"github.com/MrWong99/callbridge/pkg/provider"
)

const (
	// writeTimeout bounds a single write to either leg. Writes are detached
	// from session cancellation so an in-flight frame is never torn.
	writeTimeout = 2 * time.Second

	// maxDigits bounds the DTMF buffer.
	maxDigits = 64
)

var errHangupRequested = errors.New("bridge: hangup requested")

// State is a session's lifecycle stage.
type State int32

const (
	// StateConnecting means the provider leg has started and the bot
	// handshake is running.
	StateConnecting State = iota

	// StateActive means audio is relayed in both directions.
	StateActive

	// StateDraining means one leg has ended and the other is flushing.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Info is a point-in-time snapshot of a session.
type Info struct {
	SessionID       string        `json:"session_id"`
	CallID          string        `json:"call_id"`
	From            string        `json:"from,omitempty"`
	To              string        `json:"to,omitempty"`
	Provider        provider.Type `json:"provider"`
	State           State         `json:"state"`
	Input           string        `json:"input_format"`
	Output          string        `json:"output_format"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	Held            bool          `json:"held"`
	Digits          string        `json:"dtmf,omitempty"`
}

// leg identifies one side of a call.
type leg int

const (
	legProvider leg = iota
	legBot
)

func (l leg) String() string {
	if l == legBot {
		return "bot"
	}
	return "provider"
}

func (l leg) other() leg { return 1 - l }

// legDone reports why a leg stopped. err is nil for a clean end.
type legDone struct {
	leg    leg
	reason string
	cause  string
	err    error
}

func (e *legDone) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s leg failed: %v", e.leg, e.err)
	}
	return fmt.Sprintf("%s leg ended: %s", e.leg, e.reason)
}

func (e *legDone) Unwrap() error { return e.err }

// ending is the outcome of a session.
type ending struct {
	status usage.Status
	reason string
	cause  string

	// flush names the leg that is still open and gets the drain grace.
	flush leg
}

// Session is one bridged call. Exported methods are safe for concurrent use
// and may be called from handlers.
type Session struct {
	id        string
	b         *Bridge
	conn      provider.Conn
	startedAt time.Time
	log       *slog.Logger

	// in and out are owned by the provider reader and the bot reader.
	in, out       *audio.Transcoder
	inSeq, outSeq uint64
	inDrops       int
	outDrops      int

	mu       sync.Mutex
	callID   string
	from, to string
	state    State
	held     bool
	digits   []byte
	input    audio.Format
	output   audio.Format
	endedAt  time.Time
	stop     context.CancelCauseFunc
}

func newSession(b *Bridge, conn provider.Conn, started provider.CallEvent) *Session {
	callID := started.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	return &Session{
		id:        uuid.NewString(),
		b:         b,
		conn:      conn,
		startedAt: time.Now(),
		log:       slog.Default(),
		callID:    callID,
		from:      started.From,
		to:        started.To,
		input:     conn.Format(),
		output:    b.outputFormat(conn),
	}
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// CallID returns the provider-assigned or generated call identifier.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := time.Now()
	if !s.endedAt.IsZero() {
		end = s.endedAt
	}
	return Info{
		SessionID:       s.id,
		CallID:          s.callID,
		From:            s.from,
		To:              s.to,
		Provider:        s.b.adapter.Type(),
		State:           s.state,
		Input:           s.input.String(),
		Output:          s.output.String(),
		StartedAt:       s.startedAt,
		DurationSeconds: end.Sub(s.startedAt).Seconds(),
		Held:            s.held,
		Digits:          string(s.digits),
	}
}

// Hangup ends the call from the bridge side. The session drains and closes
// with status completed.
func (s *Session) Hangup() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop(errHangupRequested)
	}
}

func (s *Session) attrs() observe.SessionAttrs {
	return observe.SessionAttrs{
		SessionID: s.id,
		CallID:    s.callID,
		Provider:  string(s.b.adapter.Type()),
	}
}

func (s *Session) startInfo() bot.StartInfo {
	return bot.StartInfo{
		SessionID: s.id,
		CallID:    s.callID,
		From:      s.from,
		To:        s.to,
		Provider:  string(s.b.adapter.Type()),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	from := s.state
	s.state = st
	if st == StateClosed {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
	s.log.Debug("bridge: session state", "from", from, "to", st)
	if h := s.b.stateHook; h != nil {
		h(s, st)
	}
}

func (s *Session) isHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Session) setHeld(v bool) {
	s.mu.Lock()
	s.held = v
	s.mu.Unlock()
}

func (s *Session) addDigit(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digits = append(s.digits, d...)
	if over := len(s.digits) - maxDigits; over > 0 {
		s.digits = append(s.digits[:0], s.digits[over:]...)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// serve waits for the leg's Started event and runs the session. Legs that
// end or stall before Started never become sessions.
func (b *Bridge) serve(ctx context.Context, conn provider.Conn) {
	started, err := awaitStart(ctx, conn, b.cfg.HandshakeTimeout)
	if err != nil {
		slog.Debug("bridge: call leg closed before start", "conn_id", conn.ID(), "err", err)
		_ = conn.Close()
		return
	}

	s := newSession(b, conn, started)
	b.register(s)
	defer b.unregister(s)
	s.run(ctx)
}

func awaitStart(ctx context.Context, conn provider.Conn, timeout time.Duration) (provider.CallEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		it, err := conn.ReadFrame(ctx)
		if err != nil {
			return provider.CallEvent{}, err
		}
		if it.Event == nil {
			continue
		}
		switch it.Event.Kind {
		case provider.EventStarted:
			return *it.Event, nil
		case provider.EventEnded:
			return provider.CallEvent{}, fmt.Errorf("ended before start: %s", it.Event.Reason)
		}
	}
}

// run drives the session from Connecting to Closed.
func (s *Session) run(parent context.Context) {
	ctx, stop := context.WithCancelCause(parent)
	defer stop(nil)

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	ctx, span := observe.StartSessionSpan(ctx, s.attrs())
	defer span.End()
	s.log = observe.SessionLogger(ctx, s.attrs())
	s.log.Info("bridge: call started",
		"from", s.from, "to", s.to, "input", s.input, "output", s.output)

	var err error
	if s.in, err = audio.NewTranscoder(s.input, s.b.cfg.BotRate); err == nil {
		s.out, err = audio.NewTranscoder(s.output, s.b.cfg.BotRate)
	}
	if err != nil {
		s.finish(ctx, ending{status: usage.StatusError, reason: err.Error()})
		_ = s.conn.Close()
		return
	}

	bc, pending, end := s.connect(ctx)
	if end != nil {
		_ = s.conn.Close()
		s.finish(ctx, *end)
		return
	}

	s.setState(StateActive)
	s.fireCallStart(ctx)

	toBot := newFrameQueue(s.b.cfg.QueueFrames)
	toProvider := newFrameQueue(s.b.cfg.QueueFrames)
	relayErr := s.relay(ctx, bc, pending, toBot, toProvider)
	result := s.classify(ctx, relayErr)

	s.setState(StateDraining)
	s.drain(result.flush, bc, toBot, toProvider)
	_ = s.conn.Close()
	if err := bc.Close(result.reason); err != nil {
		s.log.Debug("bridge: close bot channel", "err", err)
	}

	if result.status != usage.StatusCompleted {
		span.SetStatus(codes.Error, result.reason)
	}
	s.finish(ctx, result)
}

// connect dials the bot while still reading the provider leg, so a caller
// who hangs up during the handshake is noticed. Items read meanwhile are
// returned for replay; frames beyond the queue size are dropped oldest first.
func (s *Session) connect(ctx context.Context) (BotConn, []provider.Item, *ending) {
	begin := time.Now()
	dialCtx, cancelDial := context.WithTimeout(ctx, s.b.cfg.HandshakeTimeout)
	defer cancelDial()
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()

	type dialResult struct {
		conn BotConn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		c, err := s.b.dialer.Dial(dialCtx, s.startInfo())
		results <- dialResult{conn: c, err: err}
		stopWait()
	}()

	abandon := func(reason string) (BotConn, []provider.Item, *ending) {
		cancelDial()
		if res := <-results; res.err == nil {
			_ = res.conn.Close("abandoned")
		}
		s.log.Info("bridge: caller left during bot handshake", "reason", reason)
		return nil, nil, &ending{status: usage.StatusAbandoned, reason: reason}
	}

	var pending []provider.Item
	frames := 0
	for {
		it, err := s.conn.ReadFrame(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return abandon(causeReason(ctx))
			}
			if waitCtx.Err() != nil {
				break
			}
			return abandon(provider.ReasonDisconnect)
		}
		if it.Event != nil && it.Event.Kind == provider.EventEnded {
			return abandon(it.Event.Reason)
		}
		if it.Event == nil {
			frames++
			if frames > s.b.cfg.QueueFrames {
				pending = dropFirstFrame(pending)
				frames--
				s.b.metrics.RecordDrop(ctx, observe.DirectionInbound, "overrun")
			}
		}
		pending = append(pending, it)
	}

	res := <-results
	s.b.metrics.HandshakeDuration.Record(ctx, time.Since(begin).Seconds())
	if res.err != nil {
		s.log.Error("bridge: bot handshake failed", "err", res.err)
		return nil, nil, &ending{status: usage.StatusError, reason: "bot handshake failed"}
	}
	return res.conn, pending, nil
}

func dropFirstFrame(items []provider.Item) []provider.Item {
	for i, it := range items {
		if it.Event == nil {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}

// relay runs the four Active goroutines until one leg ends or ctx is
// cancelled.
func (s *Session) relay(ctx context.Context, bc BotConn, pending []provider.Item, toBot, toProvider *frameQueue) error {
	g, gctx := errgroup.WithContext(ctx)

	// provider → queue
	g.Go(func() error {
		for _, it := range pending {
			if err := s.handleProviderItem(gctx, it, bc, toBot); err != nil {
				return err
			}
		}
		for {
			it, err := s.conn.ReadFrame(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.Is(err, io.EOF) {
					return &legDone{leg: legProvider, reason: provider.ReasonDisconnect}
				}
				return &legDone{leg: legProvider, reason: provider.ReasonError, err: err}
			}
			if err := s.handleProviderItem(gctx, it, bc, toBot); err != nil {
				return err
			}
		}
	})

	// queue → bot
	g.Go(func() error {
		for {
			f, err := toBot.pop(gctx)
			if err != nil {
				return err
			}
			if err := s.sendBot(gctx, bc, f); err != nil {
				// The bot reader reports how the channel ended.
				s.log.Debug("bridge: bot write failed", "err", err)
				s.b.metrics.RecordDrop(gctx, observe.DirectionInbound, "write")
				<-gctx.Done()
				return gctx.Err()
			}
		}
	})

	// bot → queue
	g.Go(func() error {
		for {
			msg, err := bc.Receive(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return &legDone{leg: legBot, reason: "bot disconnected", err: err}
			}
			if msg.Control != nil {
				if err := s.handleBotControl(gctx, *msg.Control, toProvider); err != nil {
					return err
				}
				continue
			}
			s.relayOutbound(gctx, msg.Audio, toProvider)
		}
	})

	// queue → provider
	g.Go(func() error {
		for {
			f, err := toProvider.pop(gctx)
			if err != nil {
				return err
			}
			if err := s.writeProvider(gctx, f); err != nil {
				s.b.metrics.RecordDrop(gctx, observe.DirectionOutbound, "write")
				if errors.Is(err, provider.ErrConnClosed) {
					// The provider reader reports how the leg ended.
					<-gctx.Done()
					return gctx.Err()
				}
				s.log.Debug("bridge: provider write failed", "err", err)
			}
		}
	})

	return g.Wait()
}

func (s *Session) handleProviderItem(ctx context.Context, it provider.Item, bc BotConn, toBot *frameQueue) error {
	if it.Event == nil {
		s.relayInbound(ctx, it.Frame, toBot)
		return nil
	}

	ev := it.Event
	switch ev.Kind {
	case provider.EventDTMF:
		s.addDigit(ev.Digit)
		s.sendControl(ctx, bc, bot.ControlMessage{Type: bot.TypeDTMF, Digit: ev.Digit})
		s.fireDTMF(ctx, ev.Digit)
	case provider.EventHold:
		s.setHeld(true)
		s.sendControl(ctx, bc, bot.ControlMessage{Type: bot.TypeHold})
		s.fireHold(ctx, true)
	case provider.EventResume:
		s.setHeld(false)
		s.sendControl(ctx, bc, bot.ControlMessage{Type: bot.TypeResume})
		s.fireHold(ctx, false)
	case provider.EventEnded:
		return &legDone{leg: legProvider, reason: ev.Reason, cause: ev.Cause}
	default:
		s.log.Debug("bridge: ignoring provider event", "event", ev.Kind)
	}
	return nil
}

func (s *Session) handleBotControl(ctx context.Context, msg bot.ControlMessage, toProvider *frameQueue) error {
	switch msg.Type {
	case bot.TypeHangup:
		reason := msg.Reason
		if reason == "" {
			reason = provider.ReasonHangup
		}
		return &legDone{leg: legBot, reason: reason}
	case bot.TypeClear:
		n := toProvider.discard()
		if cl, ok := s.conn.(provider.Clearer); ok {
			if err := cl.Clear(ctx); err != nil {
				s.log.Warn("bridge: provider clear failed", "err", err)
			}
		}
		s.log.Debug("bridge: cleared outbound audio", "discarded", n)
	default:
		s.log.Debug("bridge: bot control", "type", msg.Type, "name", msg.Name)
	}
	return nil
}

// relayInbound converts a provider frame to the pivot and queues it for the
// bot. Frames that fail conversion are dropped.
func (s *Session) relayInbound(ctx context.Context, f audio.Frame, toBot *frameQueue) {
	pf, err := s.in.ToPivot(f)
	if err != nil {
		s.inDrops++
		s.dropFrame(ctx, observe.DirectionInbound, s.inDrops, err)
		return
	}
	s.inSeq++
	pf.Origin, pf.Seq = audio.OriginProvider, s.inSeq

	if s.isHeld() {
		s.b.metrics.RecordDrop(ctx, observe.DirectionInbound, "hold")
		return
	}
	s.fireAudio(ctx, pf)
	if toBot.push(pf) {
		s.overrun(ctx, observe.DirectionInbound)
	}
}

// relayOutbound converts bot PCM16 to the provider's wire format and queues
// it for the provider.
func (s *Session) relayOutbound(ctx context.Context, pcm []byte, toProvider *frameQueue) {
	s.outSeq++
	pf := audio.Frame{
		Data:       pcm,
		Codec:      audio.CodecPCM16,
		SampleRate: s.b.cfg.BotRate,
		Origin:     audio.OriginBot,
		Seq:        s.outSeq,
	}
	wf, err := s.out.FromPivot(pf)
	if err != nil {
		s.outDrops++
		s.dropFrame(ctx, observe.DirectionOutbound, s.outDrops, err)
		return
	}
	s.fireAudio(ctx, pf)
	if toProvider.push(wf) {
		s.overrun(ctx, observe.DirectionOutbound)
	}
}

func (s *Session) dropFrame(ctx context.Context, direction string, n int, err error) {
	reason := "codec"
	var ae *audio.FrameAlignmentError
	if errors.As(err, &ae) {
		reason = "alignment"
	}
	s.b.metrics.RecordDrop(ctx, direction, reason)
	if n == 1 {
		s.log.Warn("bridge: dropping frame", "direction", direction, "reason", reason, "err", err)
	} else {
		s.log.Debug("bridge: dropping frame", "direction", direction, "reason", reason, "err", err, "drops", n)
	}
}

func (s *Session) overrun(ctx context.Context, direction string) {
	s.b.metrics.RecordDrop(ctx, direction, "overrun")
	s.log.Warn("bridge: queue overrun, dropped oldest frame", "direction", direction)
}

func (s *Session) sendBot(ctx context.Context, bc BotConn, f audio.Frame) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := bc.SendAudio(wctx, f.Data); err != nil {
		return err
	}
	s.b.metrics.RecordFrame(ctx, observe.DirectionInbound)
	return nil
}

func (s *Session) writeProvider(ctx context.Context, f audio.Frame) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.conn.WriteFrame(wctx, f); err != nil {
		return err
	}
	s.b.metrics.RecordFrame(ctx, observe.DirectionOutbound)
	return nil
}

func (s *Session) sendControl(ctx context.Context, bc BotConn, msg bot.ControlMessage) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := bc.SendEvent(wctx, msg); err != nil {
		s.log.Debug("bridge: send control to bot", "type", msg.Type, "err", err)
	}
}

// classify maps the relay result to a usage status and the leg to flush.
func (s *Session) classify(ctx context.Context, err error) ending {
	var ld *legDone
	switch {
	case errors.As(err, &ld):
		end := ending{status: usage.StatusCompleted, reason: ld.reason, cause: ld.cause, flush: ld.leg.other()}
		if ld.err != nil || (ld.leg == legProvider && provider.Failed(ld.reason)) {
			end.status = usage.StatusError
		}
		if ld.err != nil {
			s.log.Warn("bridge: call leg failed", "leg", ld.leg, "err", ld.err)
		}
		return end
	case ctx.Err() != nil:
		return ending{status: usage.StatusCompleted, reason: causeReason(ctx), flush: legProvider}
	default:
		s.log.Error("bridge: relay failed", "err", err)
		return ending{status: usage.StatusError, reason: provider.ReasonError, flush: legProvider}
	}
}

func causeReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errHangupRequested) {
		return provider.ReasonHangup
	}
	return "shutdown"
}

// drain gives the open leg DrainGrace to take the frames still queued for
// it.
func (s *Session) drain(open leg, bc BotConn, toBot, toProvider *frameQueue) {
	ctx, cancel := context.WithTimeout(context.Background(), s.b.cfg.DrainGrace)
	defer cancel()

	q := toProvider
	if open == legBot {
		q = toBot
	}
	flushed := 0
	for ctx.Err() == nil {
		f, ok := q.tryPop()
		if !ok {
			break
		}
		var err error
		if open == legBot {
			err = bc.SendAudio(ctx, f.Data)
		} else {
			err = s.conn.WriteFrame(ctx, f)
		}
		if err != nil {
			break
		}
		flushed++
	}
	if left := q.size(); left > 0 || flushed > 0 {
		s.log.Debug("bridge: drained", "leg", open, "flushed", flushed, "discarded", left)
	}
}

// finish moves the session to Closed and emits its usage record exactly
// once.
func (s *Session) finish(ctx context.Context, end ending) {
	ctx = context.WithoutCancel(ctx)
	s.setState(StateClosed)

	s.mu.Lock()
	duration := s.endedAt.Sub(s.startedAt)
	callID := s.callID
	s.mu.Unlock()

	providerName := string(s.b.adapter.Type())
	rec := usage.NewRecord(s.id, callID, providerName, duration, end.status, s.endedAt)
	for _, sink := range s.b.sinks {
		sink.Submit(rec)
	}
	s.b.metrics.RecordSessionEnd(ctx, providerName, string(end.status), duration)
	s.log.Info("bridge: call ended",
		"status", end.status,
		"reason", end.reason,
		"cause", end.cause,
		"duration", duration.Round(time.Millisecond),
	)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("callbridge.status", string(end.status)),
		attribute.String("callbridge.end_reason", end.reason),
	)
	s.fireCallEnd(ctx, rec)
}
