package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live/pkg/gateway/apierror"
	"github.com/vango-go/vai-live/pkg/gateway/config"
	"github.com/vango-go/vai-live/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-live/pkg/gateway/metrics"
	"github.com/vango-go/vai-live/pkg/gateway/ratelimit"
)

type liveTestServer struct {
	handler   LiveHandler
	tracker   *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	server    *httptest.Server
	url       string
}

func newLiveTestServer(t *testing.T, mutate func(*LiveHandler)) *liveTestServer {
	t.Helper()
	cfg := config.Config{
		AuthMode:               config.AuthModeDisabled,
		CORSAllowedOrigins:     map[string]struct{}{"https://app.example.com": {}},
		LiveMinAudioFrameBytes: 12000,
		LiveMaxAudioFrameBytes: 256 << 10,
		LiveOutboundQueueSize:  64,
		LiveWSPingInterval:     time.Minute,
		LiveWSWriteTimeout:     time.Second,
		LiveHandshakeTimeout:   time.Second,
		LiveTurnTimeout:        5 * time.Second,
		STTBackoffInitial:      10 * time.Millisecond,
		STTBackoffMax:          50 * time.Millisecond,
		TTSSampleRate:          24000,
		LLMMaxTokens:           140,
	}
	ts := &liveTestServer{
		tracker:   sessions.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
	}
	ts.handler = LiveHandler{
		Config:       cfg,
		Providers:    fakeProviders(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Limiter:      ratelimit.New(ratelimit.Config{MaxConcurrentWSSessions: 1}),
		Lifecycle:    ts.lifecycle,
		LiveSessions: ts.tracker,
		Metrics:      metrics.NewMetrics("test"),
	}
	if mutate != nil {
		mutate(&ts.handler)
	}
	ts.server = httptest.NewServer(ts.handler)
	ts.url = "ws" + strings.TrimPrefix(ts.server.URL, "http")
	t.Cleanup(func() {
		ts.tracker.CancelAll()
		ts.server.Close()
	})
	return ts
}

func dialLive(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLiveHandler_FullTurnStreamsAudio(t *testing.T) {
	ts := newLiveTestServer(t, nil)
	conn := dialLive(t, ts.url, nil)

	waitFor(t, "session registered", func() bool { return ts.tracker.Count() == 1 })

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 12000)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt == websocket.BinaryMessage {
			if len(data) != 480 {
				t.Fatalf("audio frame = %d bytes, want 480", len(data))
			}
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	waitFor(t, "session unregistered", func() bool { return ts.tracker.Count() == 0 })
}

func TestLiveHandler_ShortFramesNeverReachTheModel(t *testing.T) {
	ts := newLiveTestServer(t, nil)
	conn := dialLive(t, ts.url, nil)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 11999)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if mt, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame type %d for a short audio frame", mt)
	}
}

func TestLiveHandler_SessionLimitPerPrincipal(t *testing.T) {
	ts := newLiveTestServer(t, nil)
	dialLive(t, ts.url, nil)
	waitFor(t, "first session", func() bool { return ts.tracker.Count() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err == nil {
		t.Fatalf("second dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After")
	}
}

func TestLiveHandler_DrainingRejects(t *testing.T) {
	ts := newLiveTestServer(t, nil)
	ts.lifecycle.StartDraining()

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err == nil {
		t.Fatalf("dial should fail while draining")
	}
	if resp == nil || resp.StatusCode != apierror.StatusOverloaded {
		t.Fatalf("resp=%v", resp)
	}
	var env apierror.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Code != "draining" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestLiveHandler_OriginCheck(t *testing.T) {
	ts := newLiveTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("evil origin: err=%v resp=%v", err, resp)
	}

	dialLive(t, ts.url, http.Header{"Origin": {"https://app.example.com"}})
}

func TestLiveHandler_RejectsPlainHTTP(t *testing.T) {
	h := LiveHandler{}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/live", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("GET status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "upgrade_required") {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestLiveHandler_CancelFromTrackerClosesSocket(t *testing.T) {
	ts := newLiveTestServer(t, nil)
	conn := dialLive(t, ts.url, nil)
	waitFor(t, "session registered", func() bool { return ts.tracker.Count() == 1 })

	if n := ts.tracker.CancelAll(); n != 1 {
		t.Fatalf("CancelAll = %d", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read err = %v, want normal closure", err)
			}
			break
		}
	}
}

func TestSessionConfig_MapsGatewaySettings(t *testing.T) {
	cfg := config.Config{
		LiveMinAudioFrameBytes: 12000,
		LiveSilenceCommit:      700 * time.Millisecond,
		STTLanguage:            "de",
		STTSampleRate:          16000,
		TTSVoice:               "voice-1",
		TTSSampleRate:          24000,
		LLMTemperature:         0.25,
		LLMMaxTokens:           140,
	}
	sc := SessionConfig(cfg)
	if sc.MinAudioFrameBytes != 12000 || sc.SilenceCommit != 700*time.Millisecond {
		t.Fatalf("live = %+v", sc)
	}
	if sc.STT.Language != "de" || sc.STT.Channels != 1 || sc.TTS.Voice != "voice-1" || sc.TTS.SampleRate != 24000 {
		t.Fatalf("speech = %+v / %+v", sc.STT, sc.TTS)
	}
	if sc.LLM.Temperature != 0.25 || sc.LLM.MaxTokens != 140 {
		t.Fatalf("llm = %+v", sc.LLM)
	}
}
