package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/invoker"
	"github.com/openfroyo/webscript/pkg/resolver"
	"github.com/openfroyo/webscript/pkg/sandbox"
	"github.com/openfroyo/webscript/pkg/script"
	"github.com/openfroyo/webscript/pkg/stores"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

type memScripts struct {
	mu      sync.Mutex
	content map[string]string
}

func (m *memScripts) Fetch(_ context.Context, location string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.content[location]
	if !ok {
		return nil, fmt.Errorf("no script at %s", location)
	}
	return []byte(body), nil
}

// Store accepts every location except "ro:" ones.
func (m *memScripts) Store(_ context.Context, location string, body []byte) error {
	if strings.HasPrefix(location, "ro:") {
		return &engine.ReadOnlyError{Location: location}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[location] = string(body)
	return nil
}

type fixture struct {
	server *httptest.Server
	timer  *invoker.Timer
	src    *memScripts
}

func newFixture(t *testing.T, options ...func(*Config)) *fixture {
	t.Helper()

	src := &memScripts{content: map[string]string{
		"mem:echo":   "def main(p):\n    return {\"echo\": p}\n",
		"mem:add":    "def main(p):\n    return p[\"a\"] + p[\"b\"]\n",
		"mem:broken": "def main(p)\n",
		"mem:tick":   "result = \"tock\"\n",
		"ro:tick":    "result = \"fixed\"\n",
	}}
	store := stores.NewMemoryStore(engine.Bindings{"echo": "mem:echo", "add": "mem:add", "broken": "mem:broken"})

	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	pipeline := script.NewPipeline(store, src, script.Config{Logger: zerolog.Nop(), Metrics: metrics})
	evaluator := sandbox.NewEvaluator(sandbox.Config{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	inv := invoker.New(pipeline, evaluator, invoker.Config{Logger: zerolog.Nop(), Metrics: metrics})
	timer := inv.NewTimer(invoker.TimerConfig{Logger: zerolog.Nop()})

	cfg := Config{Logger: zerolog.Nop(), Metrics: metrics}
	for _, option := range options {
		option(&cfg)
	}
	srv := New(inv, pipeline, timer, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, timer: timer, src: src}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	return v
}

func TestInvoke(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		reference  string
		body       string
		wantStatus int
		want       any
		wantCode   string
	}{
		{
			name:       "logical reference",
			reference:  "script:echo",
			body:       `{"text": "hi"}`,
			wantStatus: http.StatusOK,
			want:       map[string]any{"echo": map[string]any{"text": "hi"}},
		},
		{
			name:       "normalised reference",
			reference:  "SCRIPT:///add",
			body:       `{"a": 2, "b": 3}`,
			wantStatus: http.StatusOK,
			want:       float64(5),
		},
		{
			name:       "location",
			reference:  "mem:echo",
			wantStatus: http.StatusOK,
			want:       map[string]any{"echo": nil},
		},
		{
			name:       "unbound",
			reference:  "script:nobody",
			wantStatus: http.StatusNotFound,
			wantCode:   engine.ErrCodeUnbound,
		},
		{
			name:       "fetch failure",
			reference:  "mem:nowhere",
			wantStatus: http.StatusBadGateway,
			wantCode:   engine.ErrCodeFetch,
		},
		{
			name:       "compilation failure",
			reference:  "script:broken",
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   engine.ErrCodeCompilation,
		},
		{
			name:       "bad payload",
			reference:  "script:echo",
			body:       `{"text":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/webscript", tt.body, http.Header{ScriptHeader: {tt.reference}})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, data)
			}

			got := decode(t, data)
			if tt.wantCode != "" {
				if code := got.(map[string]any)["code"]; code != tt.wantCode {
					t.Errorf("code = %v, want %s", code, tt.wantCode)
				}
				return
			}
			if tt.want != nil {
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("result mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestInvoke_MissingHeader(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/webscript", "{}", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, data := f.do(t, http.MethodPost, "/webscript?script=script:add", `{"a": 1, "b": 1}`, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "2" {
		t.Errorf("query reference: status %d body %s", resp.StatusCode, data)
	}
}

func TestBindings(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/bindings/echo", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET binding status = %d", resp.StatusCode)
	}
	if diff := cmp.Diff(map[string]any{"id": "echo", "location": "mem:echo"}, decode(t, data)); diff != "" {
		t.Errorf("GET binding mismatch (-want +got):\n%s", diff)
	}

	resp, _ = f.do(t, http.MethodPut, "/bindings/greet", `{"location": "mem:echo"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT binding status = %d", resp.StatusCode)
	}

	resp, data = f.do(t, http.MethodPost, "/webscript", `"x"`, http.Header{ScriptHeader: {"script:greet"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke new binding status = %d (%s)", resp.StatusCode, data)
	}

	resp, data = f.do(t, http.MethodGet, "/bindings", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET bindings status = %d", resp.StatusCode)
	}
	want := map[string]any{"echo": "mem:echo", "add": "mem:add", "broken": "mem:broken", "greet": "mem:echo"}
	if diff := cmp.Diff(want, decode(t, data)); diff != "" {
		t.Errorf("GET bindings mismatch (-want +got):\n%s", diff)
	}

	resp, _ = f.do(t, http.MethodDelete, "/bindings/greet", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE binding status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/bindings/greet", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/bindings/greet", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET removed binding status = %d, want 404", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPut, "/bindings/empty", `{}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT without location status = %d, want 400", resp.StatusCode)
	}
}

func TestTimer(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/timer", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET timer status = %d", resp.StatusCode)
	}
	if got := decode(t, data).(map[string]any)["period"]; got != "1s" {
		t.Errorf("period = %v, want 1s", got)
	}

	resp, data = f.do(t, http.MethodPut, "/timer", `{"reference": "mem:tick", "period": "250ms"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT timer status = %d (%s)", resp.StatusCode, data)
	}
	if f.timer.Reference() != "mem:tick" || f.timer.Period() != 250*time.Millisecond {
		t.Errorf("timer = %q every %s", f.timer.Reference(), f.timer.Period())
	}

	if _, err := f.timer.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	_, data = f.do(t, http.MethodGet, "/timer", "", nil)
	status := decode(t, data).(map[string]any)
	if status["runs"] != float64(1) || status["last_result"] != "tock" {
		t.Errorf("timer status = %v", status)
	}

	for _, body := range []string{`{"period": "soon"}`, `{"period": "0s"}`} {
		resp, _ = f.do(t, http.MethodPut, "/timer", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT timer %s status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCache(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/webscript", `{"a": 1, "b": 2}`, http.Header{ScriptHeader: {"script:add"}})

	_, data := f.do(t, http.MethodGet, "/cache", "", nil)
	want := map[string]any{"scripts": []any{"mem:add"}, "functions": []any{}}
	if diff := cmp.Diff(want, decode(t, data)); diff != "" {
		t.Errorf("GET cache mismatch (-want +got):\n%s", diff)
	}

	_, data = f.do(t, http.MethodDelete, "/cache", "", nil)
	if diff := cmp.Diff(map[string]any{"scripts": float64(1), "functions": float64(0)}, decode(t, data)); diff != "" {
		t.Errorf("DELETE cache mismatch (-want +got):\n%s", diff)
	}

	resp, _ := f.do(t, http.MethodDelete, "/cache/functions/double", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE function without a function cache = %d, want 404", resp.StatusCode)
	}
}

func TestCache_Functions(t *testing.T) {
	var compiles atomic.Int32
	functions := resolver.NewCachingResolver(engine.ResolverFunc(func(_ context.Context, sig engine.Signature) (engine.Executable, error) {
		n := compiles.Add(1)
		return engine.Func(sig.Input, sig.Output, func(context.Context, any) (any, error) { return n, nil }), nil
	}), resolver.CachingConfig{Logger: zerolog.Nop()})
	f := newFixture(t, func(cfg *Config) { cfg.Functions = functions })

	ctx := context.Background()
	for _, id := range []string{"tools/trim", "double"} {
		if _, err := functions.Resolve(ctx, engine.NewSignature(id, engine.Any, engine.Any)); err != nil {
			t.Fatal(err)
		}
	}

	_, data := f.do(t, http.MethodGet, "/cache", "", nil)
	if diff := cmp.Diff([]any{"double", "tools/trim"}, decode(t, data).(map[string]any)["functions"]); diff != "" {
		t.Errorf("cached functions mismatch (-want +got):\n%s", diff)
	}

	resp, data := f.do(t, http.MethodDelete, "/cache/functions/tools/trim", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE function status = %d (%s)", resp.StatusCode, data)
	}
	if diff := cmp.Diff(map[string]any{"invalidated": float64(1)}, decode(t, data)); diff != "" {
		t.Errorf("DELETE function mismatch (-want +got):\n%s", diff)
	}
	if got := functions.Identifiers(); len(got) != 1 || got[0] != "double" {
		t.Errorf("Identifiers() = %v, want [double]", got)
	}

	_, data = f.do(t, http.MethodDelete, "/cache", "", nil)
	if got := decode(t, data).(map[string]any)["functions"]; got != float64(1) {
		t.Errorf("DELETE cache functions = %v, want 1", got)
	}

	exe, err := functions.Resolve(ctx, engine.NewSignature("double", engine.Any, engine.Any))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := exe.Invoke(ctx, nil); got != int32(3) {
		t.Errorf("function after clear = compile #%v, want a fresh compile #3", got)
	}
}

func TestTimerScript(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/timer/script", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET timer script without a reference = %d, want 404", resp.StatusCode)
	}

	f.timer.SetReference("mem:tick")
	resp, data := f.do(t, http.MethodGet, "/timer/script", "", nil)
	if resp.StatusCode != http.StatusOK || string(data) != "result = \"tock\"\n" {
		t.Fatalf("GET timer script = %d %q", resp.StatusCode, data)
	}
	if got := resp.Header.Get(ScriptHeader); got != "mem:tick" {
		t.Errorf("%s header = %q, want mem:tick", ScriptHeader, got)
	}

	resp, data = f.do(t, http.MethodPut, "/timer/script", `result = "tick"`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT timer script = %d (%s)", resp.StatusCode, data)
	}
	got, err := f.timer.Tick(context.Background())
	if err != nil || got != "tick" {
		t.Errorf("Tick() after PUT = %v, %v, want tick", got, err)
	}
	_, data = f.do(t, http.MethodGet, "/timer/script", "", nil)
	if string(data) != `result = "tick"` {
		t.Errorf("GET timer script after PUT = %q", data)
	}

	f.timer.SetReference("ro:tick")
	resp, data = f.do(t, http.MethodPut, "/timer/script", `result = 1`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("PUT read-only timer script = %d, want 409", resp.StatusCode)
	}
	if code := decode(t, data).(map[string]any)["code"]; code != engine.ErrCodeReadOnly {
		t.Errorf("error code = %v, want %s", code, engine.ErrCodeReadOnly)
	}

	f.timer.SetReference("script:nobody")
	resp, _ = f.do(t, http.MethodGet, "/timer/script", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unbound timer script = %d, want 404", resp.StatusCode)
	}
}

func TestHealthChecks(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	f := newFixture(t, func(cfg *Config) {
		cfg.HealthChecks = map[string]HealthCheck{
			"bindings": func(context.Context) error {
				if !healthy.Load() {
					return errors.New("database is locked")
				}
				return nil
			},
		}
	})

	resp, data := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d %q", resp.StatusCode, data)
	}

	healthy.Store(false)
	resp, data = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(data), "bindings: database is locked") {
		t.Errorf("healthz = %d %q, want 503 naming the bindings check", resp.StatusCode, data)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, data)
	}

	f.do(t, http.MethodPost, "/webscript", `{}`, http.Header{ScriptHeader: {"script:echo"}})
	resp, data = f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "webscript_") {
		t.Errorf("metrics output lacks webscript series:\n%s", data)
	}
}

func TestServe_Shutdown(t *testing.T) {
	src := &memScripts{content: map[string]string{}}
	pipeline := script.NewPipeline(stores.NewMemoryStore(nil), src, script.Config{Logger: zerolog.Nop()})
	inv := invoker.New(pipeline, sandbox.NewEvaluator(sandbox.Config{Logger: zerolog.Nop()}), invoker.Config{Logger: zerolog.Nop()})
	srv := New(inv, pipeline, nil, Config{Logger: zerolog.Nop(), ShutdownTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/timer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /timer without timer = %d, want 404", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
