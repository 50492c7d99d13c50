package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// WebSearch searches the web via the Brave Search API.
type WebSearch struct {
	client  *resty.Client
	baseURL string
}

// NewWebSearch creates the web_search tool.
func NewWebSearch(apiKey string) *WebSearch {
	client := resty.New().
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("X-Subscription-Token", apiKey).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
	})
	return &WebSearch{client: client, baseURL: braveSearchURL}
}

func (b *WebSearch) Name() string        { return "web_search" }
func (b *WebSearch) Description() string { return "Search the web using Brave Search" }
func (b *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"}
		},
		"required": ["query"]
	}`)
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (b *WebSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if params.Count <= 0 {
		params.Count = 5
	}
	if params.Count > 20 {
		params.Count = 20
	}

	var result braveResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("q", params.Query).
		SetQueryParam("count", strconv.Itoa(params.Count)).
		SetResult(&result).
		Get(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("brave API error (status %d): %s", resp.StatusCode(), resp.String())
	}

	if len(result.Web.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range result.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String(), nil
}
