package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
	"github.com/vango-go/vai-live/pkg/gateway/apierror"
	"github.com/vango-go/vai-live/pkg/gateway/auth"
	"github.com/vango-go/vai-live/pkg/gateway/config"
	"github.com/vango-go/vai-live/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live/pkg/gateway/live/session"
	"github.com/vango-go/vai-live/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-live/pkg/gateway/metrics"
	"github.com/vango-go/vai-live/pkg/gateway/mw"
	"github.com/vango-go/vai-live/pkg/gateway/principal"
	"github.com/vango-go/vai-live/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
	"github.com/vango-go/vai-live/pkg/turnlog"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Providers    upstream.Providers
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
	Turns        turnlog.Recorder
}

// SessionConfig maps gateway settings onto per-session settings.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		MinAudioFrameBytes: cfg.LiveMinAudioFrameBytes,
		MaxAudioFrameBytes: cfg.LiveMaxAudioFrameBytes,
		PingInterval:       cfg.LiveWSPingInterval,
		WriteTimeout:       cfg.LiveWSWriteTimeout,
		ReadTimeout:        cfg.LiveWSReadTimeout,
		OutboundQueueSize:  cfg.LiveOutboundQueueSize,
		SilenceCommit:      cfg.LiveSilenceCommit,
		TurnTimeout:        cfg.LiveTurnTimeout,
		STT: stt.Config{
			Model:      cfg.STTModel,
			Language:   cfg.STTLanguage,
			Encoding:   cfg.STTEncoding,
			SampleRate: cfg.STTSampleRate,
			Channels:   1,
		},
		STTBackoffInitial: cfg.STTBackoffInitial,
		STTBackoffMax:     cfg.STTBackoffMax,
		TTS: tts.Options{
			Voice:      cfg.TTSVoice,
			Model:      cfg.TTSModel,
			Language:   cfg.TTSLanguage,
			SampleRate: cfg.TTSSampleRate,
			Speed:      cfg.TTSSpeed,
		},
		LLM: llm.Params{
			Temperature:  float32(cfg.LLMTemperature),
			MaxTokens:    cfg.LLMMaxTokens,
			Timeout:      cfg.LLMTimeout,
			SystemPrompt: cfg.LLMSystemPrompt,
		},
	}
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, apierror.StatusOverloaded, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, reqID, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if !auth.IsWebSocketUpgrade(r) {
		apierror.Write(w, http.StatusBadRequest, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required"})
		return
	}

	who := principal.Resolve(r, h.Config.TrustProxyHeaders)
	dec := h.Limiter.AcquireWSSession(who.Key, time.Now())
	if !dec.Allowed {
		retry := dec.RetryAfter
		apierror.Write(w, http.StatusTooManyRequests, reqID, &apierror.Error{
			Type:       apierror.TypeRateLimit,
			Message:    "too many active live sessions",
			Code:       "session_limit",
			RetryAfter: &retry,
		})
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.LiveHandshakeTimeout,
		// Origin was checked above against the same allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}
	defer conn.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := sessions.NewID()
	logger = logger.With("request_id", reqID, "principal_kind", string(who.Kind))

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		STT:       h.Providers.STT,
		LLM:       h.Providers.LLM,
		TTS:       h.Providers.TTS,
		Metrics:   h.Metrics,
		Turns:     h.Turns,
		SessionID: sessionID,
		RequestID: reqID,
		Config:    SessionConfig(h.Config),
	})
	if err != nil {
		logger.Error("live session init failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(time.Second))
		return
	}

	unregister := h.LiveSessions.Register(sessionID, s)
	defer unregister()

	start := time.Now()
	h.Metrics.RecordLiveSessionStart()
	logger.Info("live session started", "session_id", sessionID)

	status := "ok"
	if err := s.Run(); err != nil {
		status = "error"
		logger.Warn("live session ended with error", "session_id", sessionID, "error", err)
	}
	h.Metrics.RecordLiveSessionEnd(status, time.Since(start))
}

// originAllowed accepts non-browser clients (no Origin) and allowlisted
// browser origins.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}
