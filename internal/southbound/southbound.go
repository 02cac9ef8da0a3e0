// Package southbound delivers control requests to south services over
// their public API: setpoint writes and operation invocations.
package southbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/edgectl/dispatcher/internal/kvlist"
)

// Bounded so a stuck south service cannot wedge a dispatcher worker.
const requestTimeout = 10 * time.Second

// Origin identifies the service a control request originally came from.
// South services receive it in headers and can apply their own policy.
type Origin struct {
	Name string
	Type string
}

type Client struct {
	token  string
	client *http.Client
	log    *slog.Logger
}

func NewClient(token string, log *slog.Logger) *Client {
	return &Client{
		token:  token,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

// Setpoint writes the values to the south service at base.
func (c *Client) Setpoint(ctx context.Context, base string, origin Origin, values kvlist.KVList) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode setpoint values: %w", err)
	}
	payload, err := sjson.SetRawBytes([]byte(`{}`), "values", encoded)
	if err != nil {
		return fmt.Errorf("build setpoint payload: %w", err)
	}
	return c.put(ctx, base+"/fledge/south/setpoint", origin, payload)
}

// Operation invokes the named operation with its parameters on the south
// service at base.
func (c *Client) Operation(ctx context.Context, base string, origin Origin, operation string, params kvlist.KVList) error {
	payload, err := sjson.SetBytes([]byte(`{}`), "operation", operation)
	if err != nil {
		return fmt.Errorf("build operation payload: %w", err)
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode operation parameters: %w", err)
	}
	payload, err = sjson.SetRawBytes(payload, "parameters", encoded)
	if err != nil {
		return fmt.Errorf("build operation payload: %w", err)
	}
	return c.put(ctx, base+"/fledge/south/operation", origin, payload)
}

func (c *Client) put(ctx context.Context, url string, origin Origin, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if origin.Name != "" {
		req.Header.Set("Service-Orig-From", origin.Name)
	}
	if origin.Type != "" {
		req.Header.Set("Service-Orig-Type", origin.Type)
	}

	c.log.Debug("dispatching control request",
		slog.String("url", url), slog.String("origin", origin.Name))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send control request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("control request to %s: status %d: %s", url, resp.StatusCode, body)
	}
	return nil
}
