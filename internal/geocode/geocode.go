package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.mapbox.com"

// Match is one candidate location for an address.
type Match struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
	Relevance float64 `json:"relevance"`
}

// Best returns the most relevant match. Ties keep the provider's order.
func Best(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Relevance > best.Relevance {
			best = m
		}
	}
	return best, true
}

// Client calls the Mapbox forward geocoding API.
type Client struct {
	http    *resty.Client
	token   string
	country string
	limit   int
	logger  *zap.Logger
}

type Options struct {
	BaseURL string
	Token   string
	// Country restricts results, ISO 3166 alpha-2 (for example "cl").
	Country string
	Limit   int
	Timeout time.Duration
	Logger  *zap.Logger
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &Client{http: client, token: opts.Token, country: opts.Country, limit: opts.Limit, logger: opts.Logger}
}

type featureCollection struct {
	Features []struct {
		PlaceName string    `json:"place_name"`
		Relevance float64   `json:"relevance"`
		Center    []float64 `json:"center"`
	} `json:"features"`
	Message string `json:"message"`
}

// Geocode resolves address into matches ordered as Mapbox ranks them.
func (c *Client) Geocode(ctx context.Context, address string) ([]Match, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("address required")
	}
	if c.token == "" {
		return nil, errors.New("mapbox token not configured")
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", c.token).
		SetQueryParam("limit", strconv.Itoa(c.limit)).
		SetQueryParam("language", "es")
	if c.country != "" {
		req.SetQueryParam("country", c.country)
	}
	var out featureCollection
	resp, err := req.
		SetResult(&out).
		SetError(&out).
		Get("/geocoding/v5/mapbox.places/" + url.PathEscape(address) + ".json")
	if err != nil {
		c.logger.Warn("geocoding request failed", zap.Error(err))
		return nil, fmt.Errorf("geocode: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("geocoding rejected",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", out.Message))
		return nil, fmt.Errorf("geocode: status %d: %s", resp.StatusCode(), out.Message)
	}
	matches := make([]Match, 0, len(out.Features))
	for _, f := range out.Features {
		if len(f.Center) != 2 {
			continue
		}
		matches = append(matches, Match{
			Longitude: f.Center[0],
			Latitude:  f.Center[1],
			Address:   f.PlaceName,
			Relevance: f.Relevance,
		})
	}
	c.logger.Debug("geocoded address", zap.String("address", address), zap.Int("matches", len(matches)))
	return matches, nil
}
