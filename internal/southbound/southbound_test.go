package southbound

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/edgectl/dispatcher/internal/kvlist"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func capture(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.header = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got.body = body
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSetpoint(t *testing.T) {
	srv, got := capture(t, http.StatusOK)
	c := NewClient("secret", slog.Default())

	var values kvlist.KVList
	values.Add("rpm", "1500")
	err := c.Setpoint(context.Background(), srv.URL, Origin{Name: "north", Type: "service"}, values)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/fledge/south/setpoint", got.path)
	assert.Equal(t, "1500", gjson.GetBytes(got.body, "values.rpm").String())
	assert.Equal(t, "Bearer secret", got.header.Get("Authorization"))
	assert.Equal(t, "north", got.header.Get("Service-Orig-From"))
	assert.Equal(t, "service", got.header.Get("Service-Orig-Type"))
}

func TestOperation(t *testing.T) {
	srv, got := capture(t, http.StatusOK)
	c := NewClient("", slog.Default())

	var params kvlist.KVList
	params.Add("hard", "true")
	err := c.Operation(context.Background(), srv.URL, Origin{}, "reset", params)
	require.NoError(t, err)

	assert.Equal(t, "/fledge/south/operation", got.path)
	assert.Equal(t, "reset", gjson.GetBytes(got.body, "operation").String())
	assert.Equal(t, "true", gjson.GetBytes(got.body, "parameters.hard").String())
	assert.Empty(t, got.header.Get("Authorization"))
	assert.Empty(t, got.header.Get("Service-Orig-From"))
}

func TestNon2xxIsAnError(t *testing.T) {
	srv, _ := capture(t, http.StatusBadGateway)
	c := NewClient("", slog.Default())

	err := c.Setpoint(context.Background(), srv.URL, Origin{}, kvlist.KVList{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
