package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

const (
	pollyDefaultVoice      = "Joanna"
	pollyDefaultSampleRate = 16000
	// 100ms of 16 kHz mono pcm_s16le.
	pollyChunkBytes = 3200
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type PollyConfig struct {
	Region string
	// Engine is "neural" (default) or "standard".
	Engine string
}

// PollyProvider synthesizes sentence by sentence through Amazon Polly.
// Polly has no incremental text input, so text is buffered up to sentence
// boundaries and each sentence is one SynthesizeSpeech call.
type PollyProvider struct {
	mu     sync.Mutex
	client synthClient
	cfg    PollyConfig
}

func NewPolly(cfg PollyConfig) *PollyProvider {
	return NewPollyWithClient(cfg, nil)
}

func NewPollyWithClient(cfg PollyConfig, client synthClient) *PollyProvider {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	return &PollyProvider{client: client, cfg: cfg}
}

func (p *PollyProvider) Name() string { return "polly" }

func (p *PollyProvider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

func (p *PollyProvider) NewStreamingContext(ctx context.Context, opts Options) (*StreamingContext, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voice := opts.Voice
	if voice == "" {
		voice = pollyDefaultVoice
	}
	sampleRate := opts.SampleRate
	if sampleRate != 8000 && sampleRate != 16000 {
		sampleRate = pollyDefaultSampleRate
	}

	workCtx, cancel := context.WithCancel(ctx)
	pc := &pollyContext{
		client: client,
		input: polly.SynthesizeSpeechInput{
			Engine:       engine,
			OutputFormat: pollytypes.OutputFormatPcm,
			SampleRate:   aws.String(strconv.Itoa(sampleRate)),
			TextType:     pollytypes.TextTypeText,
			VoiceId:      pollytypes.VoiceId(voice),
		},
		segments: make(chan string, 32),
		sc:       NewStreamingContext(),
	}
	if opts.Language != "" {
		pc.input.LanguageCode = pollytypes.LanguageCode(opts.Language)
	}
	pc.sc.SendFunc = pc.send
	pc.sc.CloseFunc = func() error {
		cancel()
		return nil
	}

	go pc.run(workCtx)
	return pc.sc, nil
}

type pollyContext struct {
	client   synthClient
	input    polly.SynthesizeSpeechInput
	segments chan string
	sc       *StreamingContext

	mu      sync.Mutex
	pending strings.Builder
	flushed bool
}

func (pc *pollyContext) send(text string, isFinal bool) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.flushed {
		if text == "" {
			return nil
		}
		return ErrContextClosed
	}

	pc.pending.WriteString(text)
	sentences, rest := splitSentences(pc.pending.String())
	pc.pending.Reset()
	pc.pending.WriteString(rest)

	for _, s := range sentences {
		if err := pc.enqueue(s); err != nil {
			return err
		}
	}
	if !isFinal {
		return nil
	}

	if tail := strings.TrimSpace(pc.pending.String()); tail != "" {
		if err := pc.enqueue(tail); err != nil {
			return err
		}
	}
	pc.pending.Reset()
	pc.flushed = true
	close(pc.segments)
	return nil
}

func (pc *pollyContext) enqueue(segment string) error {
	select {
	case pc.segments <- segment:
		return nil
	case <-pc.sc.Done():
		return ErrContextClosed
	}
}

func (pc *pollyContext) run(ctx context.Context) {
	defer pc.sc.FinishAudio()

	for {
		select {
		case <-pc.sc.Done():
			return
		case segment, ok := <-pc.segments:
			if !ok {
				return
			}
			if err := pc.synthesize(ctx, segment); err != nil {
				if !pc.sc.Closed() {
					pc.sc.SetError(err)
				}
				return
			}
		}
	}
}

func (pc *pollyContext) synthesize(ctx context.Context, text string) error {
	input := pc.input
	input.Text = aws.String(text)

	out, err := pc.client.SynthesizeSpeech(ctx, &input)
	if err != nil {
		return classifyPollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return fmt.Errorf("polly: empty audio stream")
	}
	defer out.AudioStream.Close()

	buf := make([]byte, pollyChunkBytes)
	for {
		n, err := io.ReadFull(out.AudioStream, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !pc.sc.PushAudio(chunk) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("polly read audio: %w", err)
		}
	}
}

func classifyPollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly %s (%s): %w", apiErr.ErrorCode(), apiErr.ErrorFault(), err)
	}
	return fmt.Errorf("polly synthesize: %w", err)
}

// splitSentences returns the complete sentences in text and the unterminated
// remainder. A sentence ends at . ! or ? followed by whitespace.
func splitSentences(text string) ([]string, string) {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
		default:
			continue
		}
		next := text[i+1]
		if next != ' ' && next != '\n' && next != '\t' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	return sentences, text[start:]
}
