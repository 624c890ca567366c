package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
)

const (
	Name       = "jira"
	searchPath = "/rest/api/2/search"
	pageSize   = 100
)

func init() {
	manager.Register(Name, func(opts manager.Options) (manager.Client, error) {
		return New(opts)
	})
}

type Client struct {
	base     *url.URL
	username string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

func New(opts manager.Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("jira: url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("jira: invalid url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := &Client{
		base:     base,
		username: opts.Username,
		token:    opts.Token,
		http:     &http.Client{Timeout: opts.Timeout},
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	}
	return c, nil
}

type searchResponse struct {
	StartAt    int `json:"startAt"`
	MaxResults int `json:"maxResults"`
	Total      int `json:"total"`
	Issues     []struct {
		Key    string         `json:"key"`
		Fields map[string]any `json:"fields"`
	} `json:"issues"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// Search pages through the search endpoint until MaxResults issues or the
// reported total have been read.
func (c *Client) Search(ctx context.Context, req manager.SearchRequest) (*domain.ResultList, error) {
	fields := req.Fields
	if req.GroupBy != "" && len(fields) > 0 && !slices.Contains(fields, req.GroupBy) {
		fields = append(slices.Clone(fields), req.GroupBy)
	}

	out := &domain.ResultList{GroupBy: req.GroupBy}
	start := 0
	for {
		limit := pageSize
		if req.MaxResults > 0 {
			remaining := req.MaxResults - len(out.Issues)
			if remaining <= 0 {
				break
			}
			limit = min(limit, remaining)
		}
		page, err := c.page(ctx, req.Query, fields, start, limit)
		if err != nil {
			return nil, err
		}
		out.Total = page.Total
		for _, is := range page.Issues {
			out.Issues = append(out.Issues, domain.Issue{Key: is.Key, Fields: is.Fields})
		}
		start += len(page.Issues)
		if len(page.Issues) == 0 || start >= page.Total {
			break
		}
	}
	if req.GroupBy != "" {
		out.Groups = group(out.Issues, req.GroupBy)
	}
	log.Debug().
		Str("query", req.Query).
		Int("issues", len(out.Issues)).
		Int("total", out.Total).
		Msg("jira search complete")
	return out, nil
}

func (c *Client) page(ctx context.Context, jql string, fields []string, start, limit int) (*searchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConnection, err)
		}
	}

	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(start))
	q.Set("maxResults", strconv.Itoa(limit))
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	u := *c.base
	u.Path += searchPath
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.username != "" || c.token != "" {
		httpReq.SetBasicAuth(c.username, c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", domain.ErrInvalidConnection, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, describe(body))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrInvalidConnection, resp.StatusCode, describe(body))
	}

	var page searchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %v", domain.ErrInvalidConnection, err)
	}
	return &page, nil
}

func describe(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		msgs := slices.Clone(e.ErrorMessages)
		for k, v := range e.Errors {
			msgs = append(msgs, k+": "+v)
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return strings.TrimSpace(string(body))
}

// group buckets issues by the display value of field. Multi-valued fields
// place an issue in every matching group.
func group(issues []domain.Issue, field string) map[string]*domain.ResultList {
	groups := make(map[string]*domain.ResultList)
	add := func(name string, is domain.Issue) {
		g, ok := groups[name]
		if !ok {
			g = &domain.ResultList{}
			groups[name] = g
		}
		g.Issues = append(g.Issues, is)
		g.Total++
	}
	for _, is := range issues {
		values := displayValues(is.Fields[field])
		if len(values) == 0 {
			values = []string{"None"}
		}
		for _, v := range values {
			add(v, is)
		}
	}
	return groups
}

func displayValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []any:
		var out []string
		for _, e := range x {
			out = append(out, displayValues(e)...)
		}
		return out
	case map[string]any:
		for _, k := range []string{"name", "displayName", "value", "key"} {
			if s, ok := x[k].(string); ok {
				return []string{s}
			}
		}
	}
	return []string{fmt.Sprint(v)}
}
