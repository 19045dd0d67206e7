package twilio_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/twilio"
)

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T) (*websocket.Conn, provider.Conn) {
	t.Helper()
	adapter := twilio.New()
	srv := httptest.NewServer(adapter)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = adapter.Close() })

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := adapter.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return client, conn
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn provider.Conn) provider.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return it
}

const startMsg = `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ123","accountSid":"AC1","callSid":"CA456","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"from":"+15550100","to":"+15550199"}},"streamSid":"MZ123"}`

func TestTwilio_CallLifecycle(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)

	payload := bytes.Repeat([]byte{0x7F}, 160)
	send(t, client, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	send(t, client, startMsg)
	send(t, client, `{"event":"media","streamSid":"MZ123","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"`+base64.StdEncoding.EncodeToString(payload)+`"}}`)
	send(t, client, `{"event":"dtmf","streamSid":"MZ123","dtmf":{"track":"inbound_track","digit":"5"}}`)
	send(t, client, `{"event":"stop","streamSid":"MZ123","stop":{"accountSid":"AC1","callSid":"CA456"}}`)

	it := read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventStarted {
		t.Fatalf("first item: got %+v, want Started", it)
	}
	if it.Event.CallID != "CA456" || it.Event.From != "+15550100" || it.Event.To != "+15550199" {
		t.Errorf("started event: %+v", it.Event)
	}

	it = read(t, conn)
	if it.Event != nil {
		t.Fatalf("second item: got event %v, want frame", it.Event.Kind)
	}
	if !bytes.Equal(it.Frame.Data, payload) {
		t.Error("frame payload mismatch")
	}
	if it.Frame.Codec != audio.CodecMulaw || it.Frame.SampleRate != 8000 {
		t.Errorf("frame format: %s", it.Frame.Format())
	}
	if it.Frame.Seq != 1 || it.Frame.Origin != audio.OriginProvider {
		t.Errorf("frame tags: seq %d origin %s", it.Frame.Seq, it.Frame.Origin)
	}

	it = read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventDTMF || it.Event.Digit != "5" {
		t.Fatalf("third item: got %+v, want DTMF 5", it)
	}

	it = read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventEnded {
		t.Fatalf("fourth item: got %+v, want Ended", it)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("after Ended: got %v, want io.EOF", err)
	}
}

func TestTwilio_WriteAndClear(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	send(t, client, startMsg)
	read(t, conn) // Started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := bytes.Repeat([]byte{0xFF}, 160)
	if err := conn.WriteFrame(ctx, audio.Frame{Data: out, Codec: audio.CodecMulaw, SampleRate: 8000}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	clearer, ok := conn.(provider.Clearer)
	if !ok {
		t.Fatal("twilio conn should implement provider.Clearer")
	}
	if err := clearer.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := client.ReadJSON(&media); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZ123" {
		t.Errorf("unexpected media envelope: %+v", media)
	}
	got, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil || !bytes.Equal(got, out) {
		t.Errorf("payload mismatch (err=%v)", err)
	}

	var clear map[string]any
	if err := client.ReadJSON(&clear); err != nil {
		t.Fatalf("read clear: %v", err)
	}
	if clear["event"] != "clear" || clear["streamSid"] != "MZ123" {
		t.Errorf("unexpected clear message: %v", clear)
	}
}

func TestTwilio_RejectsWrongCodec(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	send(t, client, startMsg)
	read(t, conn)

	err := conn.WriteFrame(context.Background(), audio.Frame{Data: make([]byte, 320), Codec: audio.CodecPCM16, SampleRate: 8000})
	if err == nil {
		t.Fatal("expected error writing pcm16 to a µ-law stream")
	}
}

func TestTwilio_MalformedMessageIsSkipped(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	send(t, client, `{not json`)
	send(t, client, startMsg)

	it := read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventStarted {
		t.Fatalf("got %+v, want Started after malformed message", it)
	}
}

func TestTwilio_DisconnectYieldsEnded(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	send(t, client, startMsg)
	read(t, conn)

	// Drop the TCP connection without a close frame.
	_ = client.UnderlyingConn().Close()

	it := read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventEnded || it.Event.Reason != provider.ReasonDisconnect {
		t.Fatalf("got %+v, want Ended(disconnect)", it)
	}
}

func TestTwilio_AcceptAfterClose(t *testing.T) {
	t.Parallel()
	adapter := twilio.New()
	_ = adapter.Close()
	if _, err := adapter.Accept(context.Background()); !errors.Is(err, provider.ErrAdapterClosed) {
		t.Errorf("got %v, want ErrAdapterClosed", err)
	}
	if adapter.Type() != provider.TypeTwilio {
		t.Errorf("type: got %q", adapter.Type())
	}
}
