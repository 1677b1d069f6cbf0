// Package speech voices guidance text through Gemini text-to-speech.
package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"gitasahayak/internal/config"
)

const personaPrompt = "You are Lord Krishna. Speak the following in a calm, majestic, and spiritual voice with a divine Indian accent: "

var (
	ErrMissingAPIKey = errors.New("speech api key not configured")
	ErrNoAudio       = errors.New("speech response carried no audio")
	ErrEmptyText     = errors.New("nothing to speak")
)

var shlokaTags = strings.NewReplacer("[SHLOKA]", "", "[/SHLOKA]", "")

// contentGenerator is satisfied by genai's Models service.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Synthesizer struct {
	models contentGenerator
	model  string
	voice  string
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Synthesizer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Synthesizer) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewSynthesizer(ctx context.Context, cfg config.SpeechConfig, opts ...Option) (*Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newSynthesizer(client.Models, cfg, opts...), nil
}

func newSynthesizer(models contentGenerator, cfg config.SpeechConfig, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		models: models,
		model:  cfg.Model,
		voice:  cfg.Voice,
		logger: slog.Default(),
		tracer: otel.Tracer("gitasahayak/speech"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "speech")
	return s
}

// CleanText drops the shloka markers so they are not read aloud.
func CleanText(text string) string {
	return strings.TrimSpace(shlokaTags.Replace(text))
}

// Prompt builds the persona instruction sent to the TTS model.
func Prompt(text string) string {
	return personaPrompt + CleanText(text)
}

// Synthesize returns base64 PCM16 mono audio at 24 kHz for text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (b64 string, err error) {
	if CleanText(text) == "" {
		return "", ErrEmptyText
	}
	ctx, span := s.tracer.Start(ctx, "speech.synthesize",
		trace.WithAttributes(attribute.String("speech.model", s.model), attribute.Int("speech.chars", len(text))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp, err := s.models.GenerateContent(ctx, s.model, genai.Text(Prompt(text)), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate speech: %w", err)
	}
	data := inlineAudio(resp)
	if len(data) == 0 {
		return "", ErrNoAudio
	}
	s.logger.Debug("speech synthesized", "bytes", len(data))
	return base64.StdEncoding.EncodeToString(data), nil
}

func inlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return nil
	}
	for _, part := range content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data
		}
	}
	return nil
}
