// Package configstore is the client for the configuration category service.
// The dispatcher reads merged filter categories from it, registers default
// plugin configuration, and applies config script steps through it.
package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Item is a single configuration item within a category.
type Item struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Default     string `json:"default,omitempty"`
	Value       string `json:"value"`
}

// Category is a named set of configuration items, merged with its defaults.
type Category struct {
	Name  string
	Items map[string]Item
}

// Value returns the value of the named item, or "" when absent.
func (c Category) Value(item string) string {
	return c.Items[item].Value
}

func (c Category) Exists(item string) bool {
	_, ok := c.Items[item]
	return ok
}

// ParseCategory builds a category from the raw item map the store delivers
// on change notifications.
func ParseCategory(name string, raw json.RawMessage) (Category, error) {
	items := map[string]Item{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return Category{}, fmt.Errorf("parse category %q: %w", name, err)
	}
	return Category{Name: name, Items: items}, nil
}

type Client interface {
	GetCategory(ctx context.Context, name string) (Category, error)
	// CreateCategory upserts a category with the given default items. With
	// keepOriginal set, existing item values survive the upsert.
	CreateCategory(ctx context.Context, name, description string, defaults json.RawMessage, keepOriginal bool) error
	SetItem(ctx context.Context, category, item, value string) error
	// RegisterInterest asks the store to deliver change notifications for
	// the category to this service.
	RegisterInterest(ctx context.Context, category string) error
}

// HTTPClient talks to the core configuration manager API.
type HTTPClient struct {
	base    string
	service string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(base, serviceName string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		base:    base,
		service: serviceName,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetCategory(ctx context.Context, name string) (Category, error) {
	endpoint := fmt.Sprintf("%s/fledge/service/category/%s", c.base, url.PathEscape(name))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Category{}, fmt.Errorf("get category %q: %w", name, err)
	}
	return ParseCategory(name, body)
}

func (c *HTTPClient) CreateCategory(ctx context.Context, name, description string, defaults json.RawMessage, keepOriginal bool) error {
	payload, err := json.Marshal(map[string]any{
		"key":                 name,
		"description":         description,
		"value":               defaults,
		"keep_original_items": keepOriginal,
	})
	if err != nil {
		return fmt.Errorf("marshal category %q: %w", name, err)
	}
	endpoint := fmt.Sprintf("%s/fledge/service/category", c.base)
	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("create category %q: %w", name, err)
	}
	return nil
}

func (c *HTTPClient) SetItem(ctx context.Context, category, item, value string) error {
	payload, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("marshal item %q: %w", item, err)
	}
	endpoint := fmt.Sprintf("%s/fledge/service/category/%s/%s",
		c.base, url.PathEscape(category), url.PathEscape(item))
	if _, err := c.do(ctx, http.MethodPut, endpoint, payload); err != nil {
		return fmt.Errorf("set %s/%s: %w", category, item, err)
	}
	return nil
}

func (c *HTTPClient) RegisterInterest(ctx context.Context, category string) error {
	payload, err := json.Marshal(map[string]string{
		"category": category,
		"service":  c.service,
	})
	if err != nil {
		return fmt.Errorf("marshal interest for %q: %w", category, err)
	}
	endpoint := fmt.Sprintf("%s/fledge/interest", c.base)
	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("register interest in %q: %w", category, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call config store: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best effort close

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("config store returned %d: %s", resp.StatusCode, data)
	}
	return data, nil
}
