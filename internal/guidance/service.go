// Package guidance streams the advisor's replies from a chat model.
package guidance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"gitasahayak/internal/config"
	"gitasahayak/internal/models"
)

var (
	ErrEmptyPrompt      = errors.New("prompt cannot be empty")
	ErrUnknownProvider  = errors.New("unknown guidance provider")
	ErrProviderNotFound = errors.New("guidance provider not configured")
)

// Request is one turn of a conversation. History holds the conversation so
// far and ends with the user's new message.
type Request struct {
	AccountID string
	History   []models.Message
	Language  string
	UseSearch bool
}

type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	window    int
	logger    *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTools enables the search-capable agent used for UseSearch requests.
func WithTools(ctx context.Context, tools ...tool.BaseTool) Option {
	return func(s *Service) {
		if len(tools) == 0 {
			return
		}
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: s.chatModel,
			ToolsConfig:      compose.ToolsNodeConfig{Tools: tools},
		})
		if err != nil {
			s.logger.Warn("search agent disabled", "error", err)
			return
		}
		s.agent = agent
	}
}

// NewService builds the chat model named by cfg.Guidance.Provider.
func NewService(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newService(chatModel, cfg.Guidance.HistoryWindow, opts...), nil
}

func newService(chatModel model.ToolCallingChatModel, window int, opts ...Option) *Service {
	if window <= 0 {
		window = 6
	}
	s := &Service{chatModel: chatModel, window: window, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "guidance")
	return s
}

func newChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provider := cfg.Guidance.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}
	temperature := cfg.Guidance.Temperature

	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       provCfg.Model,
			APIKey:      provCfg.APIKey,
			Temperature: &temperature,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       provCfg.Model,
			Temperature: &temperature,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       provCfg.Model,
			BaseURL:     baseURL,
			MaxTokens:   3000,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// Stream sends the conversation to the model. callback receives the full
// text accumulated so far after every chunk; returning an error from it
// aborts the stream.
func (s *Service) Stream(ctx context.Context, req Request, callback func(string) error) (string, error) {
	if len(req.History) == 0 || strings.TrimSpace(req.History[len(req.History)-1].Text) == "" {
		return "", ErrEmptyPrompt
	}
	messages := s.buildMessages(req)

	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if req.UseSearch && s.agent != nil {
		reader, err = s.agent.Stream(withAccount(ctx, req.AccountID), messages)
	} else {
		reader, err = s.chatModel.Stream(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("start guidance stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("read guidance stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if callback != nil {
			if err := callback(full.String()); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// buildMessages keeps the last window entries of the conversation behind
// the system instruction.
func (s *Service) buildMessages(req Request) []*schema.Message {
	history := req.History
	if len(history) > s.window {
		history = history[len(history)-s.window:]
	}
	out := make([]*schema.Message, 0, len(history)+1)
	out = append(out, schema.SystemMessage(Instruction(req.Language)))
	for _, msg := range history {
		role := schema.User
		if msg.Role == models.RoleModel {
			role = schema.Assistant
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Text})
	}
	return out
}
