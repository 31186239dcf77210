package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	STTSoniox   = "soniox"
	STTDeepgram = "deepgram"
	STTCartesia = "cartesia"

	LLMOpenAI = "openai"
	LLMAzure  = "azure"
	LLMGemini = "gemini"

	TTSCartesia = "cartesia"
	TTSPolly    = "polly"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and websocket origin allowlist.
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Admission limits (per principal).
	LimitUpgradeRPS         float64
	LimitUpgradeBurst       int
	MaxSessionsPerPrincipal int

	// Live websocket (/v1/live).
	LiveMinAudioFrameBytes int
	LiveMaxAudioFrameBytes int64
	LiveOutboundQueueSize  int
	LiveSilenceCommit      time.Duration
	LiveTurnTimeout        time.Duration
	LiveWSPingInterval     time.Duration
	LiveWSWriteTimeout     time.Duration
	LiveWSReadTimeout      time.Duration
	LiveHandshakeTimeout   time.Duration

	// Speech to text.
	STTProvider       string
	STTAPIKey         string
	STTModel          string
	STTLanguage       string
	STTEncoding       string
	STTSampleRate     int
	STTBackoffInitial time.Duration
	STTBackoffMax     time.Duration

	// Language model.
	LLMProvider     string
	LLMAPIKey       string
	LLMModel        string
	LLMBaseURL      string
	LLMAPIVersion   string
	LLMTemperature  float64
	LLMMaxTokens    int
	LLMTimeout      time.Duration
	LLMSystemPrompt string

	// Text to speech.
	TTSProvider   string
	TTSAPIKey     string
	TTSVoice      string
	TTSModel      string
	TTSLanguage   string
	TTSSampleRate int
	TTSSpeed      float64
	AWSRegion     string

	// Turn ledger. Empty disables persistence.
	DatabaseURL string

	// Operational defaults
	ReadHeaderTimeout      time.Duration
	ShutdownGracePeriod    time.Duration
	UpstreamConnectTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VAI_LIVE_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VAI_LIVE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]struct{}),
		TrustProxyHeaders:       envBoolOr("VAI_LIVE_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:      make(map[string]struct{}),
		LimitUpgradeRPS:         envFloat64Or("VAI_LIVE_UPGRADE_RPS", 1.0),
		LimitUpgradeBurst:       envIntOr("VAI_LIVE_UPGRADE_BURST", 4),
		MaxSessionsPerPrincipal: envIntOr("VAI_LIVE_MAX_SESSIONS_PER_PRINCIPAL", 2),
		LiveMinAudioFrameBytes:  envIntOr("VAI_LIVE_MIN_AUDIO_FRAME_BYTES", 12000),
		LiveMaxAudioFrameBytes:  envInt64Or("VAI_LIVE_MAX_AUDIO_FRAME_BYTES", 256<<10),
		LiveOutboundQueueSize:   envIntOr("VAI_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		LiveSilenceCommit:       envDurationOr("VAI_LIVE_SILENCE_COMMIT", 0),
		LiveTurnTimeout:         envDurationOr("VAI_LIVE_TURN_TIMEOUT", 60*time.Second),
		LiveWSPingInterval:      envDurationOr("VAI_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VAI_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:       envDurationOr("VAI_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:    envDurationOr("VAI_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		STTProvider:             strings.ToLower(envOr("VAI_LIVE_STT_PROVIDER", STTSoniox)),
		STTModel:                envOr("VAI_LIVE_STT_MODEL", ""),
		STTLanguage:             envOr("VAI_LIVE_STT_LANGUAGE", "en"),
		STTEncoding:             envOr("VAI_LIVE_STT_ENCODING", ""),
		STTSampleRate:           envIntOr("VAI_LIVE_STT_SAMPLE_RATE", 16000),
		STTBackoffInitial:       envDurationOr("VAI_LIVE_STT_BACKOFF_INITIAL", 250*time.Millisecond),
		STTBackoffMax:           envDurationOr("VAI_LIVE_STT_BACKOFF_MAX", 5*time.Second),
		LLMProvider:             strings.ToLower(envOr("VAI_LIVE_LLM_PROVIDER", LLMOpenAI)),
		LLMModel:                envOr("VAI_LIVE_LLM_MODEL", ""),
		LLMBaseURL:              envOr("VAI_LIVE_LLM_BASE_URL", ""),
		LLMAPIVersion:           envOr("VAI_LIVE_LLM_API_VERSION", ""),
		LLMTemperature:          envFloat64Or("VAI_LIVE_LLM_TEMPERATURE", 0.25),
		LLMMaxTokens:            envIntOr("VAI_LIVE_LLM_MAX_TOKENS", 140),
		LLMTimeout:              envDurationOr("VAI_LIVE_LLM_TIMEOUT", 30*time.Second),
		LLMSystemPrompt:         envOr("VAI_LIVE_LLM_SYSTEM_PROMPT", ""),
		TTSProvider:             strings.ToLower(envOr("VAI_LIVE_TTS_PROVIDER", TTSCartesia)),
		TTSVoice:                envOr("VAI_LIVE_TTS_VOICE", ""),
		TTSModel:                envOr("VAI_LIVE_TTS_MODEL", ""),
		TTSLanguage:             envOr("VAI_LIVE_TTS_LANGUAGE", "en"),
		TTSSampleRate:           envIntOr("VAI_LIVE_TTS_SAMPLE_RATE", 0),
		TTSSpeed:                envFloat64Or("VAI_LIVE_TTS_SPEED", 0),
		AWSRegion:               envOr("AWS_REGION", "us-east-1"),
		DatabaseURL:             envOr("VAI_LIVE_DATABASE_URL", ""),
		ReadHeaderTimeout:       envDurationOr("VAI_LIVE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VAI_LIVE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:  envDurationOr("VAI_LIVE_CONNECT_TIMEOUT", 5*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_LIVE_AUTH_MODE must be one of required|optional|disabled")
	}
	for _, key := range splitCSV(os.Getenv("VAI_LIVE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_LIVE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_API_KEYS must be set when VAI_LIVE_AUTH_MODE=required")
	}

	if cfg.LimitUpgradeRPS < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_UPGRADE_RPS must be >= 0")
	}
	if cfg.LimitUpgradeBurst < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_UPGRADE_BURST must be >= 0")
	}
	if cfg.MaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}

	if cfg.LiveMinAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_MIN_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes < int64(cfg.LiveMinAudioFrameBytes) {
		return Config{}, fmt.Errorf("VAI_LIVE_MAX_AUDIO_FRAME_BYTES must be >= VAI_LIVE_MIN_AUDIO_FRAME_BYTES")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveSilenceCommit < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_SILENCE_COMMIT must be >= 0")
	}
	if cfg.LiveTurnTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TURN_TIMEOUT must be >= 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}

	switch cfg.STTProvider {
	case STTSoniox, STTDeepgram:
	case STTCartesia:
		if cfg.LiveSilenceCommit <= 0 {
			return Config{}, fmt.Errorf("VAI_LIVE_SILENCE_COMMIT must be > 0 when VAI_LIVE_STT_PROVIDER=cartesia")
		}
	default:
		return Config{}, fmt.Errorf("VAI_LIVE_STT_PROVIDER must be one of soniox|deepgram|cartesia")
	}
	cfg.STTAPIKey = envOr("VAI_LIVE_STT_API_KEY", os.Getenv(providerKeyEnv(cfg.STTProvider)))
	if cfg.STTAPIKey == "" {
		return Config{}, fmt.Errorf("VAI_LIVE_STT_API_KEY must be set")
	}
	if cfg.STTSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_STT_SAMPLE_RATE must be > 0")
	}
	if cfg.STTBackoffInitial <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_STT_BACKOFF_INITIAL must be > 0")
	}
	if cfg.STTBackoffMax < cfg.STTBackoffInitial {
		return Config{}, fmt.Errorf("VAI_LIVE_STT_BACKOFF_MAX must be >= VAI_LIVE_STT_BACKOFF_INITIAL")
	}

	switch cfg.LLMProvider {
	case LLMOpenAI, LLMGemini:
	case LLMAzure:
		if cfg.LLMBaseURL == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_LLM_BASE_URL must be set when VAI_LIVE_LLM_PROVIDER=azure")
		}
	default:
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_PROVIDER must be one of openai|azure|gemini")
	}
	cfg.LLMAPIKey = envOr("VAI_LIVE_LLM_API_KEY", os.Getenv(providerKeyEnv(cfg.LLMProvider)))
	if cfg.LLMAPIKey == "" {
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_API_KEY must be set")
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultLLMModel(cfg.LLMProvider)
	}
	if cfg.LLMModel == "" {
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_MODEL must be set when VAI_LIVE_LLM_PROVIDER=azure")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_TEMPERATURE must be within [0, 2]")
	}
	if cfg.LLMMaxTokens <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_MAX_TOKENS must be > 0")
	}
	if cfg.LLMTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_LLM_TIMEOUT must be > 0")
	}

	switch cfg.TTSProvider {
	case TTSCartesia:
		cfg.TTSAPIKey = envOr("VAI_LIVE_TTS_API_KEY", os.Getenv("CARTESIA_API_KEY"))
		if cfg.TTSAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_TTS_API_KEY must be set when VAI_LIVE_TTS_PROVIDER=cartesia")
		}
		if cfg.TTSSampleRate == 0 {
			cfg.TTSSampleRate = 24000
		}
	case TTSPolly:
		if cfg.TTSSampleRate == 0 {
			cfg.TTSSampleRate = 16000
		}
		if cfg.TTSSampleRate != 8000 && cfg.TTSSampleRate != 16000 {
			return Config{}, fmt.Errorf("VAI_LIVE_TTS_SAMPLE_RATE must be 8000 or 16000 when VAI_LIVE_TTS_PROVIDER=polly")
		}
	default:
		return Config{}, fmt.Errorf("VAI_LIVE_TTS_PROVIDER must be one of cartesia|polly")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.TTSSpeed < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TTS_SPEED must be >= 0")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_CONNECT_TIMEOUT must be > 0")
	}

	return cfg, nil
}

// providerKeyEnv names the vendor's conventional key variable, used when the
// VAI_LIVE_* key is unset.
func providerKeyEnv(provider string) string {
	switch provider {
	case STTSoniox:
		return "SONIOX_API_KEY"
	case STTDeepgram:
		return "DEEPGRAM_API_KEY"
	case STTCartesia:
		return "CARTESIA_API_KEY"
	case LLMOpenAI:
		return "OPENAI_API_KEY"
	case LLMAzure:
		return "AZURE_OPENAI_API_KEY"
	case LLMGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

func defaultLLMModel(provider string) string {
	switch provider {
	case LLMOpenAI:
		return "gpt-4o-mini"
	case LLMGemini:
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
