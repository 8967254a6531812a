// Package genderize is a client for the genderize.io name-inference API.
package genderize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultBaseURL = "https://api.genderize.io"

var ErrUnknownName = errors.New("genderize: no gender data for name")

// Result is the service's answer for one name. Probability is the
// likelihood of Gender, not of a fixed gender.
type Result struct {
	Name        string
	Gender      string
	Probability float64
	Count       int
}

type response struct {
	Name        string  `json:"name"`
	Gender      *string `json:"gender"`
	Probability float64 `json:"probability"`
	Count       int     `json:"count"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	group      singleflight.Group
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Lookup asks the service about a name. Concurrent lookups of the same name
// share one request; that request is bounded by the http client timeout, not
// by any one caller, and each caller stops waiting when its own ctx ends.
func (c *Client) Lookup(ctx context.Context, name string) (Result, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Result{}, errors.New("genderize: empty name")
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(shared, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("genderize: %w", ctx.Err())
	}
}

func (c *Client) fetch(ctx context.Context, name string) (Result, error) {
	u, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return Result{}, fmt.Errorf("genderize: parse base url: %w", err)
	}

	q := u.Query()
	q.Set("name", name)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("genderize: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("genderize: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Result{}, fmt.Errorf("genderize: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("genderize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("genderize: decode response: %w", err)
	}

	if out.Gender == nil || *out.Gender == "" {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownName, name)
	}

	return Result{
		Name:        out.Name,
		Gender:      *out.Gender,
		Probability: out.Probability,
		Count:       out.Count,
	}, nil
}
