package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/usage"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/bot"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/mock"
)

// idleBot accepts everything and never speaks.
type idleBot struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (b *idleBot) SendAudio(context.Context, []byte) error              { return nil }
func (b *idleBot) SendEvent(context.Context, bot.ControlMessage) error { return nil }

func (b *idleBot) Receive(ctx context.Context) (bot.Message, error) {
	select {
	case <-b.done:
		return bot.Message{}, bot.ErrClosed
	case <-ctx.Done():
		return bot.Message{}, ctx.Err()
	}
}

func (b *idleBot) Close(string) error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

var idleDialer = bridge.DialerFunc(func(context.Context, bot.StartInfo) (bridge.BotConn, error) {
	return &idleBot{done: make(chan struct{})}, nil
})

// usageEndpoint collects every record POSTed to it.
type usageEndpoint struct {
	mu      sync.Mutex
	records []usage.Record
}

func (u *usageEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var batch []usage.Record
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.records = append(u.records, batch...)
	u.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (u *usageEndpoint) snapshot() []usage.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.records)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig returns a validated config for a generic WebSocket provider
// with a separate admin listener on a random port.
func testConfig(t *testing.T) *config.BridgeConfig {
	t.Helper()
	cfg := &config.BridgeConfig{
		Server:   config.ServerConfig{AdminAddr: "127.0.0.1:0"},
		Provider: config.ProviderConfig{Type: provider.TypeWebSocket, ListenHost: "127.0.0.1"},
		Bot:      config.BotConfig{URL: "ws://bot.invalid/stream"},
		SaaS:     config.SaaSConfig{FlushInterval: time.Hour},
		Store:    config.StoreConfig{Driver: config.StoreSQLite, DSN: ":memory:"},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			t.Fatalf("decode %s: %v (%s)", url, err, body)
		}
	}
	return resp.StatusCode
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_CallIsLoggedAndReported(t *testing.T) {
	t.Parallel()

	endpoint := &usageEndpoint{}
	usageSrv := httptest.NewServer(endpoint)
	t.Cleanup(usageSrv.Close)

	cfg := testConfig(t)
	cfg.SaaS.UsageURL = usageSrv.URL
	cfg.SaaS.APIKey = "k"

	adapter := mock.NewAdapter(provider.TypeWebSocket)
	a, err := app.New(context.Background(), cfg,
		app.WithAdapter(adapter),
		app.WithBotDialer(idleDialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := "http://" + a.Addr(app.ListenerAdmin)

	runCtx, stopRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(runCtx) }()

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, base+"/readyz", &ready); code != http.StatusOK {
		t.Fatalf("/readyz = %d %+v", code, ready)
	}
	if ready.Checks["usage"] != "ok" || ready.Checks["callstore"] != "ok" {
		t.Errorf("readiness checks = %v", ready.Checks)
	}

	conn := mock.NewConn("leg-1", audio.Format{Codec: audio.CodecPCM16, SampleRate: 8000})
	adapter.Push(conn)
	conn.Feed(
		provider.EventItem(provider.Started("CA1", "+15550100", "+15550199")),
		provider.EventItem(provider.DTMF("7")),
	)

	eventually(t, func() bool {
		var live struct {
			Count int `json:"count"`
		}
		getJSON(t, base+"/sessions", &live)
		return live.Count == 1
	}, "live session")

	conn.End(provider.ReasonHangup)

	var calls struct {
		Calls []struct {
			CallID string `json:"call_id"`
			From   string `json:"from"`
			DTMF   string `json:"dtmf"`
			Status string `json:"status"`
		} `json:"calls"`
	}
	eventually(t, func() bool {
		getJSON(t, base+"/calls", &calls)
		return len(calls.Calls) == 1
	}, "stored call")
	c := calls.Calls[0]
	if c.CallID != "CA1" || c.From != "+15550100" || c.DTMF != "7" || c.Status != "completed" {
		t.Errorf("stored call = %+v", c)
	}

	stopRun()
	if err := <-runErr; err != nil {
		t.Errorf("Run = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := endpoint.snapshot()
	if len(recs) != 1 {
		t.Fatalf("usage endpoint received %d records, want 1", len(recs))
	}
	if recs[0].CallID != "CA1" || recs[0].Status != usage.StatusCompleted || recs[0].Provider != "websocket" {
		t.Errorf("usage record = %+v", recs[0])
	}

	if _, err := adapter.Accept(context.Background()); !errors.Is(err, provider.ErrAdapterClosed) {
		t.Errorf("adapter still open after Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownEndsLiveCalls(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store = config.StoreConfig{}

	adapter := mock.NewAdapter(provider.TypeWebSocket)
	a, err := app.New(context.Background(), cfg,
		app.WithAdapter(adapter),
		app.WithBotDialer(idleDialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ended := make(chan usage.Record, 1)
	a.Bridge().OnCallEnd(func(_ context.Context, _ *bridge.Session, rec usage.Record) error {
		ended <- rec
		return nil
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() { _ = a.Run(runCtx) }()

	conn := mock.NewConn("leg-1", audio.Format{Codec: audio.CodecPCM16, SampleRate: 8000})
	adapter.Push(conn)
	conn.Feed(provider.EventItem(provider.Started("CA2", "", "")))
	eventually(t, func() bool { return len(a.Bridge().Sessions()) == 1 }, "live session")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case rec := <-ended:
		if rec.Status != usage.StatusCompleted {
			t.Errorf("status = %s, want completed", rec.Status)
		}
	default:
		t.Fatal("live call did not end during Shutdown")
	}
	if closed, _ := conn.Closed(); !closed {
		t.Error("provider leg still open")
	}
	if a.Addr(app.ListenerProvider) != "" {
		t.Error("mock adapter should not get a provider listener")
	}
}

func TestNew_StoreFailureClosesAdapter(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store = config.StoreConfig{Driver: "oracle", DSN: "x"}

	adapter := mock.NewAdapter(provider.TypeWebSocket)
	_, err := app.New(context.Background(), cfg,
		app.WithAdapter(adapter),
		app.WithBotDialer(idleDialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err == nil {
		t.Fatal("New succeeded with an unknown store driver")
	}
	if _, err := adapter.Accept(context.Background()); !errors.Is(err, provider.ErrAdapterClosed) {
		t.Errorf("adapter not closed after failed New: %v", err)
	}
}

func TestNew_SharedListenerForWebSocketProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.AdminAddr = ""
	cfg.Provider.ListenPort = 0
	cfg.Store = config.StoreConfig{}

	a, err := app.New(context.Background(), cfg,
		app.WithBotDialer(idleDialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	runCtx, stopRun := context.WithCancel(context.Background())
	t.Cleanup(stopRun)
	go func() { _ = a.Run(runCtx) }()

	addr := a.Addr(app.ListenerProvider)
	if addr == "" {
		t.Fatal("no provider listener")
	}
	if a.Addr(app.ListenerAdmin) != "" {
		t.Error("unexpected admin listener")
	}
	if code := getJSON(t, "http://"+addr+"/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz on provider listener = %d", code)
	}
	// A plain GET on the media path is not a WebSocket upgrade.
	if code := getJSON(t, "http://"+addr+cfg.Provider.ListenPath, nil); code != http.StatusBadRequest {
		t.Errorf("media path without upgrade = %d, want 400", code)
	}
	// Without a store, /calls exists but has nothing behind it.
	if code := getJSON(t, "http://"+addr+"/calls", nil); code != http.StatusNotFound {
		t.Errorf("/calls without store = %d, want 404", code)
	}
}

func TestBuiltinRegistry(t *testing.T) {
	t.Parallel()
	reg := app.BuiltinRegistry()
	want := provider.Types()
	slices.Sort(want)
	if got := reg.Registered(); !slices.Equal(got, want) {
		t.Errorf("Registered = %v, want %v", got, want)
	}

	input := audio.Format{Codec: audio.CodecPCM16, SampleRate: 8000}
	for _, typ := range []provider.Type{provider.TypeTwilio, provider.TypeGenesys, provider.TypeFreeSWITCH, provider.TypeCisco} {
		ad, err := reg.Create(provider.Options{Type: typ, Input: input, Output: input})
		if err != nil {
			t.Errorf("Create(%s): %v", typ, err)
			continue
		}
		if ad.Type() != typ {
			t.Errorf("Create(%s).Type() = %s", typ, ad.Type())
		}
		if _, ok := ad.(provider.HTTPAdapter); !ok {
			t.Errorf("%s adapter is not an HTTPAdapter", typ)
		}
		_ = ad.Close()
	}

	ad, err := reg.Create(provider.Options{Type: provider.TypeAsterisk, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Create(asterisk): %v", err)
	}
	defer ad.Close()
	if la, ok := ad.(provider.ListenerAdapter); !ok || la.Addr() == "" {
		t.Errorf("asterisk adapter = %T, want a bound ListenerAdapter", ad)
	}
}
