package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-live/pkg/gateway/config"
	"github.com/vango-go/vai-live/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the turn ledger store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Providers upstream.Providers
	Lifecycle *lifecycle.Lifecycle
	// DB is optional; nil means persistence is disabled.
	DB Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining,omitempty"`
		AuthMode    string   `json:"auth_mode"`
		STT         string   `json:"stt,omitempty"`
		LLM         string   `json:"llm,omitempty"`
		TTS         string   `json:"tts,omitempty"`
		Persistence bool     `json:"persistence"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	resp := readyResp{AuthMode: string(h.Config.AuthMode), Persistence: h.DB != nil}
	if h.Providers.STT == nil {
		issues = append(issues, "stt provider not configured")
	} else {
		resp.STT = h.Providers.STT.Name()
	}
	if h.Providers.LLM == nil {
		issues = append(issues, "llm provider not configured")
	} else {
		resp.LLM = h.Providers.LLM.Name()
	}
	if h.Providers.TTS == nil {
		issues = append(issues, "tts provider not configured")
	} else {
		resp.TTS = h.Providers.TTS.Name()
	}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.DB.Ping(ctx); err != nil {
			issues = append(issues, "database unreachable")
		}
		cancel()
	}

	status := http.StatusOK
	if len(issues) > 0 {
		status = http.StatusInternalServerError
	}
	if h.Lifecycle.IsDraining() {
		resp.Draining = true
		status = http.StatusServiceUnavailable
	}
	resp.OK = status == http.StatusOK
	resp.Issues = issues

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
