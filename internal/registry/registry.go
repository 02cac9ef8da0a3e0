// Package registry talks to the core service registry: the dispatcher
// registers itself there at startup and resolves other services by name or
// type when dispatching control requests.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when no service matches the query.
var ErrNotFound = errors.New("service not found")

const requestTimeout = 10 * time.Second

// ServiceRecord describes one registered service.
type ServiceRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Address  string `json:"address"`
	Port     int    `json:"service_port"`
	Protocol string `json:"protocol"`
}

// BaseURL returns the service's HTTP base, e.g. "http://10.0.0.5:8081".
func (s ServiceRecord) BaseURL() string {
	proto := s.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, s.Address, s.Port)
}

// Registration is the dispatcher's own entry in the registry.
type Registration struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Port        int    `json:"service_port"`
	ManagementP int    `json:"management_port"`
	Protocol    string `json:"protocol"`
	Token       string `json:"token,omitempty"`
}

type Client interface {
	Register(ctx context.Context, reg Registration) (id string, err error)
	Unregister(ctx context.Context, id string) error
	GetService(ctx context.Context, name string) (*ServiceRecord, error)
	GetServicesByType(ctx context.Context, serviceType string) ([]ServiceRecord, error)
	// GetAssetIngestService resolves the south service currently ingesting
	// the named asset.
	GetAssetIngestService(ctx context.Context, asset string) (*ServiceRecord, error)
}

// HTTPClient implements Client against the core management API.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
	log    *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(base, token string, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

func (c *HTTPClient) Register(ctx context.Context, reg Registration) (string, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "/fledge/service", body)
	if err != nil {
		return "", fmt.Errorf("register service: %w", err)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return "", fmt.Errorf("register service: response carries no id")
	}
	return id, nil
}

func (c *HTTPClient) Unregister(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/fledge/service/"+url.PathEscape(id), nil); err != nil {
		return fmt.Errorf("unregister service: %w", err)
	}
	return nil
}

func (c *HTTPClient) GetService(ctx context.Context, name string) (*ServiceRecord, error) {
	records, err := c.services(ctx, "name="+url.QueryEscape(name))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	return &records[0], nil
}

func (c *HTTPClient) GetServicesByType(ctx context.Context, serviceType string) ([]ServiceRecord, error) {
	return c.services(ctx, "type="+url.QueryEscape(serviceType))
}

func (c *HTTPClient) GetAssetIngestService(ctx context.Context, asset string) (*ServiceRecord, error) {
	raw, err := c.do(ctx, http.MethodGet, "/fledge/track?asset="+url.QueryEscape(asset)+"&event=Ingest", nil)
	if err != nil {
		return nil, fmt.Errorf("resolve asset %q: %w", asset, err)
	}
	service := gjson.GetBytes(raw, "track.0.service").String()
	if service == "" {
		return nil, fmt.Errorf("asset %q has no ingest service: %w", asset, ErrNotFound)
	}
	return c.GetService(ctx, service)
}

func (c *HTTPClient) services(ctx context.Context, query string) ([]ServiceRecord, error) {
	raw, err := c.do(ctx, http.MethodGet, "/fledge/service?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	var out struct {
		Services []ServiceRecord `json:"services"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return out.Services, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	return raw, nil
}
