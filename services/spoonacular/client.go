// Package spoonacular fetches random recipes from the Spoonacular API.
package spoonacular

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
)

const DefaultBaseURL = "https://api.spoonacular.com"

var (
	ErrMissingAPIKey = errors.New("spoonacular: api key is not set")
	ErrNoRecipes     = errors.New("spoonacular: response contained no recipes")
)

type Recipe struct {
	Title          string `json:"title"`
	Image          string `json:"image"`
	ReadyInMinutes int    `json:"readyInMinutes"`
}

type randomResponse struct {
	Recipes []Recipe `json:"recipes"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RandomRecipe returns one random recipe.
func (c *Client) RandomRecipe(ctx context.Context) (Recipe, error) {
	if c.apiKey == "" {
		return Recipe{}, ErrMissingAPIKey
	}

	u, err := url.Parse(c.baseURL + "/recipes/random")
	if err != nil {
		return Recipe{}, fmt.Errorf("spoonacular: parse base url: %w", err)
	}

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("number", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Recipe{}, fmt.Errorf("spoonacular: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Recipe{}, fmt.Errorf("spoonacular: %w", err)
	}
	defer resp.Body.Close()

	// random recipes carry full instructions, so allow a larger body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Recipe{}, fmt.Errorf("spoonacular: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Recipe{}, fmt.Errorf("spoonacular: status %d", resp.StatusCode)
	}

	var out randomResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Recipe{}, fmt.Errorf("spoonacular: decode response: %w", err)
	}

	if len(out.Recipes) == 0 {
		return Recipe{}, ErrNoRecipes
	}

	return out.Recipes[0], nil
}
