// Package snapshot polls the remote readings store for a full picture
// of a unit's sensors. It is the fallback and initializer for the
// broker session: a strictly sequential loop that never has more than
// one request outstanding.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/shelfwatch/internal/httpkit"
	"github.com/nugget/shelfwatch/internal/occupancy"
)

// Snapshot is the decoded readings document. Each field holds the raw
// reading object ({"value": n}) or is nil when the store omitted it.
type Snapshot struct {
	Proximity1  json.RawMessage `json:"proximity1"`
	Proximity2  json.RawMessage `json:"proximity2"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
}

// Values converts the snapshot into tracker updates. Missing or null
// proximity readings become occupancy.FarReading; temperature and
// humidity are included only when present.
func (s *Snapshot) Values() (map[occupancy.Signal]float64, error) {
	values := make(map[occupancy.Signal]float64, len(occupancy.Signals))

	fields := []struct {
		signal   occupancy.Signal
		raw      json.RawMessage
		fallback *float64
	}{
		{occupancy.Proximity1, s.Proximity1, ptr(occupancy.FarReading)},
		{occupancy.Proximity2, s.Proximity2, ptr(occupancy.FarReading)},
		{occupancy.Temperature, s.Temperature, nil},
		{occupancy.Humidity, s.Humidity, nil},
	}

	for _, f := range fields {
		v, err := occupancy.ParseReading(f.raw)
		switch {
		case err == nil:
			values[f.signal] = v
		case errors.Is(err, occupancy.ErrNoValue):
			if f.fallback != nil {
				values[f.signal] = *f.fallback
			}
		default:
			return nil, fmt.Errorf("%s: %w", f.signal, err)
		}
	}
	return values, nil
}

func ptr(v float64) *float64 { return &v }

// Client fetches snapshots over HTTP.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a snapshot client for unitID. path is appended to
// baseURL; httpClient nil means an httpkit client with default
// timeouts.
func NewClient(baseURL, path, unitID string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("snapshot URL %q must be http or https", baseURL)
	}
	q := u.Query()
	q.Set("unitId", unitID)
	u.RawQuery = q.Encode()

	return &Client{
		url:    u.String(),
		http:   httpClient,
		logger: logger,
	}, nil
}

// URL returns the full request URL.
func (c *Client) URL() string {
	return c.url
}

// Fetch performs one GET and decodes the snapshot.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	if err := httpkit.GetJSON(ctx, c.http, c.url, &s); err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	c.logger.Debug("snapshot fetched", "url", c.url)
	return &s, nil
}
