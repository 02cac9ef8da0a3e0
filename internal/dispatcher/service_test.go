package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/metrics"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/request"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/southbound"
	"github.com/edgectl/dispatcher/internal/storage"
)

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []registry.Registration
	unregistered []string
	services     map[string]*registry.ServiceRecord
	south        []registry.ServiceRecord
}

var _ registry.Client = (*fakeRegistry)(nil)

func (f *fakeRegistry) Register(_ context.Context, reg registry.Registration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, reg)
	return "reg-1", nil
}

func (f *fakeRegistry) Unregister(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
	return nil
}

func (f *fakeRegistry) GetService(_ context.Context, name string) (*registry.ServiceRecord, error) {
	if svc, ok := f.services[name]; ok {
		return svc, nil
	}
	return nil, registry.ErrNotFound
}

func (f *fakeRegistry) GetServicesByType(context.Context, string) ([]registry.ServiceRecord, error) {
	return f.south, nil
}

func (f *fakeRegistry) GetAssetIngestService(context.Context, string) (*registry.ServiceRecord, error) {
	return nil, registry.ErrNotFound
}

type fakeConfigStore struct {
	mu         sync.Mutex
	categories map[string]configstore.Category
	items      map[string]string
}

var _ configstore.Client = (*fakeConfigStore)(nil)

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		categories: map[string]configstore.Category{},
		items:      map[string]string{},
	}
}

func (f *fakeConfigStore) setCategory(name string, items map[string]string) {
	cat := configstore.Category{Name: name, Items: map[string]configstore.Item{}}
	for k, v := range items {
		cat.Items[k] = configstore.Item{Value: v}
	}
	f.categories[name] = cat
}

func (f *fakeConfigStore) GetCategory(_ context.Context, name string) (configstore.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cat, ok := f.categories[name]; ok {
		return cat, nil
	}
	return configstore.Category{Name: name, Items: map[string]configstore.Item{}}, nil
}

func (f *fakeConfigStore) CreateCategory(_ context.Context, _, _ string, _ json.RawMessage, _ bool) error {
	return nil
}

func (f *fakeConfigStore) SetItem(_ context.Context, category, item, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[category+"/"+item] = value
	return nil
}

func (f *fakeConfigStore) RegisterInterest(context.Context, string) error { return nil }

type emptyStore struct{}

var _ storage.Client = (*emptyStore)(nil)

func (emptyStore) Pipelines(context.Context) ([]storage.PipelineRow, error) { return nil, nil }
func (emptyStore) PipelineByName(context.Context, string) (*storage.PipelineRow, error) {
	return nil, storage.ErrNotFound
}
func (emptyStore) Filters(context.Context, int64) ([]string, error) { return nil, nil }
func (emptyStore) SourceTypes(context.Context) ([]storage.EndpointTypeRow, error) {
	return nil, nil
}
func (emptyStore) DestinationTypes(context.Context) ([]storage.EndpointTypeRow, error) {
	return nil, nil
}
func (emptyStore) Script(context.Context, string) (*storage.ScriptRow, error) {
	return nil, storage.ErrNotFound
}
func (emptyStore) ACL(context.Context, string) (*storage.ACLRow, error) {
	return nil, storage.ErrNotFound
}

// stubRequest runs a closure when executed.
type stubRequest struct {
	id  string
	run func()
}

var _ request.Request = (*stubRequest)(nil)

func (r *stubRequest) ID() string                { return r.id }
func (r *stubRequest) Caller() script.Caller     { return script.Caller{} }
func (r *stubRequest) Source() endpoint.Endpoint { return endpoint.Any() }
func (r *stubRequest) Execute(context.Context, request.Executor) error {
	if r.run != nil {
		r.run()
	}
	return nil
}

func newTestService(t *testing.T, cfgItems map[string]string) (*Service, *fakeRegistry, *fakeConfigStore) {
	t.Helper()
	reg := &fakeRegistry{services: map[string]*registry.ServiceRecord{}}
	cfg := newFakeConfigStore()
	if cfgItems != nil {
		cfg.setCategory("dispatcher", cfgItems)
	}
	mgr := pipeline.NewManager(emptyStore{}, cfg, slog.Default())
	level := new(slog.LevelVar)
	svc := New(Options{Name: "dispatcher", Address: "127.0.0.1", Port: 8084},
		reg, cfg, mgr, southbound.NewClient("", slog.Default()), metrics.New(), level, slog.Default())
	return svc, reg, cfg
}

func TestStartRegistersAndStop(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestService(t, nil)

	require.NoError(t, svc.Start(ctx))
	require.Len(t, reg.registered, 1)
	assert.Equal(t, "Dispatcher", reg.registered[0].Type)

	svc.Stop(ctx, true)
	assert.Equal(t, []string{"reg-1"}, reg.unregistered)
}

func TestStopWithoutRemoveKeepsRegistration(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestService(t, nil)

	require.NoError(t, svc.Start(ctx))
	svc.Stop(ctx, false)

	assert.Empty(t, reg.unregistered, "a restart in place must keep the core registration")
}

func TestQueueFIFOWithSingleWorker(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, map[string]string{"dispatcherThreads": "1", "enable": "true"})
	require.NoError(t, svc.Start(ctx))

	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	const n = 10
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		svc.Queue(&stubRequest{id: id, run: func() {
			mu.Lock()
			order = append(order, id)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		}})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued requests were not executed")
	}
	svc.Stop(ctx, true)

	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, string(rune('a'+i)))
	}
	assert.Equal(t, want, order, "single worker must preserve FIFO order")
}

func TestStopDrainsQueue(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, map[string]string{"dispatcherThreads": "1"})
	require.NoError(t, svc.Start(ctx))

	var (
		mu  sync.Mutex
		ran int
	)
	for i := 0; i < 5; i++ {
		svc.Queue(&stubRequest{id: "r", run: func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}})
	}
	svc.Stop(ctx, true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, ran, "stop must drain already queued requests")

	// Enqueuing after shutdown still succeeds; with no worker left the
	// request simply stays on the queue.
	svc.Queue(&stubRequest{id: "late"})
	assert.Equal(t, 1, svc.QueueDepth())
}

func TestDisabledGateActsAtDelivery(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, map[string]string{"enable": "false", "dispatcherThreads": "1"})
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx, true)

	require.False(t, svc.Enabled())

	// Queueing always succeeds; the disabled queue is still drained.
	ran := make(chan struct{})
	svc.Queue(&stubRequest{id: "r", run: func() { close(ran) }})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queued request was not drained while disabled")
	}

	var delivered atomic.Bool
	south := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer south.Close()
	record := recordFor(t, south.URL)

	err := svc.SendSetpoint(ctx, record, script.Caller{}, kvlist.KVList{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
	err = svc.SendOperation(ctx, record, script.Caller{}, "reset", kvlist.KVList{})
	require.Error(t, err)
	assert.False(t, delivered.Load(), "nothing reaches the south service while disabled")

	// Re-enabling through a config change opens the gate again.
	svc.ConfigChange("dispatcher", json.RawMessage(`{"enable":{"value":"true"}}`))
	require.True(t, svc.Enabled())
	require.NoError(t, svc.SendSetpoint(ctx, record, script.Caller{}, kvlist.KVList{}))
	assert.True(t, delivered.Load())
}

// recordFor builds a service record pointing at a local test server.
func recordFor(t *testing.T, rawURL string) *registry.ServiceRecord {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &registry.ServiceRecord{Name: "south1", Address: u.Hostname(), Port: port, Protocol: "http"}
}

func TestConfigChangeAdjustsLogLevel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx, true)

	svc.ConfigChange("dispatcher", json.RawMessage(`{"logLevel":{"value":"debug"}}`))
	assert.Equal(t, slog.LevelDebug, svc.logLevel.Level())

	svc.ConfigChange("dispatcher", json.RawMessage(`{"logLevel":{"value":"error"}}`))
	assert.Equal(t, slog.LevelError, svc.logLevel.Level())
}

func TestFilterValuesWithoutPipelinePassesThrough(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx, true)

	var kv kvlist.KVList
	kv.Add("rpm", "1500")
	out, ok := svc.FilterValues(ctx, endpoint.Any(), endpoint.New(endpoint.KindService, "pumpA"), kv)
	assert.True(t, ok)
	assert.Equal(t, "1500", out.Get("rpm"))
}

func TestSetConfigWritesThroughStore(t *testing.T) {
	ctx := context.Background()
	svc, _, cfg := newTestService(t, nil)

	require.NoError(t, svc.SetConfig(ctx, "pumpA", "rate", "50"))
	assert.Equal(t, "50", cfg.items["pumpA/rate"])
}
