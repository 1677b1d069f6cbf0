package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
)

var ErrSearchRateLimited = errors.New("web search rate limit exceeded, please retry in a minute")

// SearchConfig holds the optional Google Custom Search credentials.
// DuckDuckGo needs none and is always tried.
type SearchConfig struct {
	GoogleAPIKey         string
	GoogleSearchEngineID string
}

// NewWebSearchTool combines Google and DuckDuckGo behind one web_search tool.
// It returns nil when neither provider can be created.
func NewWebSearchTool(ctx context.Context, cfg SearchConfig, logger *slog.Logger) tool.InvokableTool {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &webSearchTool{
		google:     newGoogleSearch(ctx, cfg, logger),
		duck:       newDDGSearch(ctx, logger),
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger,
	}
	if ws.google == nil && ws.duck == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for context about the seeker's situation; " +
			"falls back to another provider if needed; " +
			"reads a URL directly when given one.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if !w.limiter.Allow(accountFromContext(ctx)) {
		return "", ErrSearchRateLimited
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("web url loader failed", "error", err)
	}

	payload, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	providers := []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}}
	for _, p := range providers {
		if p.tool == nil {
			continue
		}
		result, err := p.tool.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("search provider failed", "provider", p.name, "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "GitaSahayak-WebSearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func newDDGSearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    WebSearchHTTPTimeout,
	})
	if err != nil {
		logger.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context, cfg SearchConfig, logger *slog.Logger) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		logger.Info("google search disabled: missing api key or search engine id")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}

type accountContextKey struct{}

func withAccount(ctx context.Context, accountID string) context.Context {
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, accountContextKey{}, accountID)
}

func accountFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(accountContextKey{}).(string); ok {
		return id
	}
	return "anonymous"
}

// toolRateLimiter is a sliding-window limiter keyed by account.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}
