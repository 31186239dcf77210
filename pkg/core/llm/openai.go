package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/jinzhu/copier"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAIConfig configures an OpenAI or Azure OpenAI chat provider.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the public endpoint. For Azure it is the resource
	// endpoint and is required.
	BaseURL    string
	Azure      bool
	APIVersion string

	HTTPClient *http.Client
}

type OpenAIProvider struct {
	client *openai.Client
	model  string
	name   string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	name := "openai"
	var clientCfg openai.ClientConfig
	if cfg.Azure {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("azure endpoint is required")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		deployment := cfg.Model
		clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
		name = "azure"
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	clientCfg.HTTPClient = httpClient

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		name:   name,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Stream(ctx context.Context, history []Message, params Params) (Stream, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}
	params = params.WithDefaults()

	messages, err := toOpenAIMessages(history, params.SystemPrompt)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	stream, err := p.client.CreateChatCompletionStream(callCtx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: openAITemperature(params.Temperature),
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s chat completion stream: %w", p.name, err)
	}
	return &timeoutStream{Stream: &openAIStream{stream: stream}, cancel: cancel}, nil
}

func toOpenAIMessages(history []Message, systemPrompt string) ([]openai.ChatCompletionMessage, error) {
	var converted []openai.ChatCompletionMessage
	if err := copier.Copy(&converted, &history); err != nil {
		return nil, fmt.Errorf("convert history: %w", err)
	}
	out := make([]openai.ChatCompletionMessage, 0, len(converted)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	return append(out, converted...), nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Next() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("stream receive: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

// openAITemperature keeps an explicit zero on the wire; the request field is
// omitempty.
func openAITemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}
