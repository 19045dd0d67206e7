package freeswitch_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/freeswitch"
)

func dial(t *testing.T) (*websocket.Conn, provider.Conn) {
	t.Helper()
	adapter := freeswitch.New(8000)
	srv := httptest.NewServer(adapter)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = adapter.Close() })

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
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

func TestFreeSWITCH_MetadataThenAudio(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)

	meta := `{"call_id":"fs-uuid-1","caller_number":"1001","callee_number":"2000","sample_rate":16000,"channels":1}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(meta)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	pcm := make([]byte, 640)
	pcm[0] = 7
	_ = client.WriteMessage(websocket.BinaryMessage, pcm)
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"event":"dtmf","digit":"9"}`))
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"event":"hangup"}`))

	it := read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventStarted {
		t.Fatalf("got %+v, want Started", it)
	}
	if it.Event.CallID != "fs-uuid-1" || it.Event.From != "1001" || it.Event.To != "2000" {
		t.Errorf("started: %+v", it.Event)
	}
	if got := conn.Format(); got.SampleRate != 16000 || got.Codec != audio.CodecPCM16 {
		t.Errorf("format after metadata: %s", got)
	}

	it = read(t, conn)
	if it.Event != nil || !bytes.Equal(it.Frame.Data, pcm) || it.Frame.SampleRate != 16000 {
		t.Fatalf("unexpected audio item %+v", it)
	}

	it = read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventDTMF || it.Event.Digit != "9" {
		t.Fatalf("got %+v, want DTMF 9", it)
	}
	it = read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventEnded {
		t.Fatalf("got %+v, want Ended", it)
	}
}

func TestFreeSWITCH_StereoIsDownmixed(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"x","sample_rate":8000,"channels":2}`))
	read(t, conn)

	// One stereo frame: L=100, R=300.
	_ = client.WriteMessage(websocket.BinaryMessage, []byte{100, 0, 44, 1})
	it := read(t, conn)
	if got := audio.Samples(it.Frame.Data); len(got) != 1 || got[0] != 200 {
		t.Errorf("downmix: got %v, want [200]", got)
	}
}

func TestFreeSWITCH_PlaybackEnvelope(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"x","sample_rate":8000}`))
	read(t, conn)

	pcm := []byte{1, 2, 3, 4}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.WriteFrame(ctx, audio.Frame{Data: pcm, Codec: audio.CodecPCM16, SampleRate: 8000}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := conn.(provider.Clearer).Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string `json:"type"`
		Data struct {
			AudioDataType string `json:"audioDataType"`
			SampleRate    int    `json:"sampleRate"`
			AudioData     string `json:"audioData"`
		} `json:"data"`
	}
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read playback: %v", err)
	}
	if msg.Type != "streamAudio" || msg.Data.AudioDataType != "raw" || msg.Data.SampleRate != 8000 {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	if got, _ := base64.StdEncoding.DecodeString(msg.Data.AudioData); !bytes.Equal(got, pcm) {
		t.Error("audio payload mismatch")
	}

	var kill struct {
		Type string `json:"type"`
	}
	if err := client.ReadJSON(&kill); err != nil || kill.Type != "killAudio" {
		t.Errorf("clear: got %+v (err=%v), want killAudio", kill, err)
	}
}

func TestFreeSWITCH_HangupCauseIsClean(t *testing.T) {
	t.Parallel()
	for _, cause := range []string{"NORMAL_CLEARING", "USER_BUSY", "ORIGINATOR_CANCEL"} {
		t.Run(cause, func(t *testing.T) {
			t.Parallel()
			client, conn := dial(t)
			_ = client.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"x"}`))
			read(t, conn)

			_ = client.WriteMessage(websocket.TextMessage, []byte(`{"event":"hangup","reason":"`+cause+`"}`))
			it := read(t, conn)
			if it.Event == nil || it.Event.Kind != provider.EventEnded {
				t.Fatalf("got %+v, want Ended", it)
			}
			if it.Event.Reason != provider.ReasonHangup || it.Event.Cause != cause {
				t.Errorf("reason %q cause %q, want hangup cause %q", it.Event.Reason, it.Event.Cause, cause)
			}
		})
	}
}

func TestFreeSWITCH_SocketCloseEndsCall(t *testing.T) {
	t.Parallel()
	client, conn := dial(t)
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"x"}`))
	read(t, conn)

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	it := read(t, conn)
	if it.Event == nil || it.Event.Kind != provider.EventEnded || it.Event.Reason != provider.ReasonHangup {
		t.Fatalf("got %+v, want Ended(hangup)", it)
	}
}
