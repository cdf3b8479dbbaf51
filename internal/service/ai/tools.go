package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/go-resty/resty/v2"

	"motionforge/internal/config"
	"motionforge/internal/models"
)

const WebSearchToolName = "web_search"

var serperBaseURL = "https://google.serper.dev"

// Searcher runs one web search.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
}

// WebSearchToolInfo describes the web_search tool offered to the model.
func WebSearchToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: WebSearchToolName,
		Desc: "Search the web for legal case law, statutes and precedents; " +
			"automatically fallbacks to another provider if needed; " +
			"a URL query fetches that page directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "The search query for legal cases and precedents, or a URL",
				Type:     schema.String,
				Required: true,
			},
			"k": {
				Desc:     "Number of search results to return (default 5)",
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}
}

type webSearchParams struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

func parseWebSearchArgs(raw string) (*webSearchParams, error) {
	params := &webSearchParams{}
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("missing search parameters")
	}
	if err := json.Unmarshal([]byte(raw), params); err != nil {
		return nil, err
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return nil, errors.New("query must not be empty")
	}
	return params, nil
}

// WebSearch tries Google Programmable Search, then DuckDuckGo, then Serper.
type WebSearch struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	serper     *resty.Client
	serperKey  string
	httpClient *http.Client
	maxResults int
	limiter    *toolRateLimiter
}

// NewWebSearch returns nil when no provider is available.
func NewWebSearch(cfg config.SearchConfig) *WebSearch {
	ws := &WebSearch{
		google:     initGoogleSearch(cfg),
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		maxResults: cfg.MaxResults,
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
	}
	if !cfg.DisableDuckDuckGo {
		ws.duck = initDDGSearch(cfg.MaxResults)
	}
	if cfg.SerperAPIKey != "" {
		ws.serper = resty.New().
			SetBaseURL(serperBaseURL).
			SetTimeout(WebSearchHTTPTimeout).
			SetHeader("Content-Type", "application/json")
		ws.serperKey = cfg.SerperAPIKey
	}
	if ws.google == nil && ws.duck == nil && ws.serper == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}
	if ws.maxResults <= 0 {
		ws.maxResults = 5
	}
	return ws
}

func (w *WebSearch) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query must not be empty")
	}
	if k <= 0 {
		k = w.maxResults
	}
	if k > 10 {
		k = 10
	}
	key := "global"
	if sessionID, ok := SessionFromContext(ctx); ok {
		key = "session:" + sessionID
	}
	if !w.limiter.Allow(key) {
		return nil, errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return []models.SearchResult{{Title: query, URL: query, Snippet: truncateRunes(content, PageSnippetMax)}}, nil
		}
		log.Printf("web url loader failed: %v", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if raw, err := w.google.InvokableRun(ctx, payload); err == nil {
			if results := parseSearchResults([]byte(raw), k); len(results) > 0 {
				return results, nil
			}
		} else {
			log.Printf("google search failed: %v", err)
		}
	}

	if w.duck != nil {
		if raw, err := w.duck.InvokableRun(ctx, payload); err == nil {
			if results := parseSearchResults([]byte(raw), k); len(results) > 0 {
				return results, nil
			}
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}

	if w.serper != nil {
		if results, err := w.searchSerper(ctx, query, k); err == nil {
			return results, nil
		} else {
			log.Printf("serper search failed: %v", err)
		}
	}

	return nil, errors.New("no search provider succeeded")
}

func (w *WebSearch) searchSerper(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	resp, err := w.serper.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", w.serperKey).
		SetBody(map[string]any{"q": query, "num": k}).
		Post("/search")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("serper: %s", resp.Status())
	}
	return parseSearchResults(resp.Body(), k), nil
}

// parseSearchResults normalizes the JSON shapes returned by the search
// providers (items, results, organic) into title/url/snippet triples.
func parseSearchResults(raw []byte, k int) []models.SearchResult {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var items []any
	for _, field := range []string{"items", "results", "organic"} {
		if list, ok := doc[field].([]any); ok {
			items = list
			break
		}
	}
	out := make([]models.SearchResult, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		res := models.SearchResult{
			Title:   firstString(m, "title"),
			URL:     firstString(m, "url", "link"),
			Snippet: firstString(m, "snippet", "summary", "desc", "description"),
		}
		if res.Title == "" && res.URL == "" {
			continue
		}
		out = append(out, res)
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func formatResults(results []models.SearchResult) string {
	if len(results) == 0 {
		return "no results"
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return "no results"
	}
	return string(payload)
}

// initDDGSearch Init DDG Search
func initDDGSearch(maxResults int) tool.InvokableTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: maxResults,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// initGoogleSearch Init Google Search
func initGoogleSearch(cfg config.SearchConfig) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	num := cfg.MaxResults
	if num <= 0 || num > 10 {
		num = 5
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleEngineID,
		Lang:           "en",
		Num:            num,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}
