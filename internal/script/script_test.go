package script

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/storage"
)

type fakeStore struct {
	scripts map[string]*storage.ScriptRow
	acls    map[string]*storage.ACLRow
}

var _ storage.Client = (*fakeStore)(nil)

func (f *fakeStore) Pipelines(context.Context) ([]storage.PipelineRow, error) { return nil, nil }
func (f *fakeStore) PipelineByName(context.Context, string) (*storage.PipelineRow, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) Filters(context.Context, int64) ([]string, error) { return nil, nil }
func (f *fakeStore) SourceTypes(context.Context) ([]storage.EndpointTypeRow, error) {
	return nil, nil
}
func (f *fakeStore) DestinationTypes(context.Context) ([]storage.EndpointTypeRow, error) {
	return nil, nil
}

func (f *fakeStore) Script(_ context.Context, name string) (*storage.ScriptRow, error) {
	if s, ok := f.scripts[name]; ok {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ACL(_ context.Context, name string) (*storage.ACLRow, error) {
	if a, ok := f.acls[name]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

type dispatchCall struct {
	kind      string
	dest      Destination
	operation string
	values    kvlist.KVList
	config    [3]string
}

// fakeDispatcher records dispatched steps; individual calls can be made to
// fail through failOn.
type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	failOn string
}

var _ Dispatcher = (*fakeDispatcher)(nil)

func (f *fakeDispatcher) Setpoint(_ context.Context, _ Caller, dest Destination, values kvlist.KVList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{kind: "setpoint", dest: dest, values: values})
	if f.failOn == dest.Service {
		return fmt.Errorf("service %q unavailable", dest.Service)
	}
	return nil
}

func (f *fakeDispatcher) Operation(_ context.Context, _ Caller, dest Destination, operation string, params kvlist.KVList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{kind: "operation", dest: dest, operation: operation, values: params})
	return nil
}

func (f *fakeDispatcher) SetConfig(_ context.Context, category, item, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{kind: "config", config: [3]string{category, item, value}})
	return nil
}

func (f *fakeDispatcher) recorded() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

func newEngine(store *fakeStore) (*Engine, *fakeDispatcher) {
	d := &fakeDispatcher{}
	return NewEngine(store, d, slog.Default()), d
}

func params(kvs ...string) kvlist.KVList {
	var kv kvlist.KVList
	for i := 0; i+1 < len(kvs); i += 2 {
		kv.Add(kvs[i], kvs[i+1])
	}
	return kv
}

func TestRunStepsInOrder(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[
			{"operation": {"order": 2, "service": "b", "name": "reset"}},
			{"write": {"order": 1, "service": "a", "values": {"x": "1"}}}
		]`)},
	}}
	engine, d := newEngine(store)

	require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))

	calls := d.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "setpoint", calls[0].kind)
	assert.Equal(t, "a", calls[0].dest.Service)
	assert.Equal(t, "operation", calls[1].kind)
	assert.Equal(t, "reset", calls[1].operation)
}

func TestDuplicateOrderFails(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[
			{"write": {"order": 1, "service": "a", "values": {}}},
			{"write": {"order": 1, "service": "b", "values": {}}}
		]`)},
	}}
	engine, d := newEngine(store)

	err := engine.Run(context.Background(), "s", params(), Caller{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step order")
	assert.Empty(t, d.recorded())
}

func TestConditionsAndSubstitution(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[
			{"write": {"order": 1, "service": "a", "values": {"x": "$v$"}}},
			{"write": {"order": 2, "service": "b", "condition": {"key": "v", "condition": "==", "value": "on"}, "values": {"x": "1"}}}
		]`)},
	}}

	t.Run("condition holds", func(t *testing.T) {
		engine, d := newEngine(store)
		require.NoError(t, engine.Run(context.Background(), "s", params("v", "on"), Caller{}))

		calls := d.recorded()
		require.Len(t, calls, 2)
		assert.Equal(t, "on", calls[0].values.Get("x"), "parameter substituted into values")
		assert.Equal(t, "b", calls[1].dest.Service)
	})

	t.Run("condition fails", func(t *testing.T) {
		engine, d := newEngine(store)
		require.NoError(t, engine.Run(context.Background(), "s", params("v", "off"), Caller{}))
		require.Len(t, d.recorded(), 1)
	})

	t.Run("missing key skips step", func(t *testing.T) {
		engine, d := newEngine(store)
		require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))
		require.Len(t, d.recorded(), 1)
	})
}

func TestNotEqualCondition(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[
			{"write": {"order": 1, "service": "a", "condition": {"key": "v", "condition": "!=", "value": "off"}, "values": {}}}
		]`)},
	}}

	engine, d := newEngine(store)
	require.NoError(t, engine.Run(context.Background(), "s", params("v", "on"), Caller{}))
	assert.Len(t, d.recorded(), 1, "!= must execute when values differ")

	engine2, d2 := newEngine(store)
	require.NoError(t, engine2.Run(context.Background(), "s", params("v", "off"), Caller{}))
	assert.Empty(t, d2.recorded(), "!= must skip when values are equal")
}

func TestConfigStep(t *testing.T) {
	t.Run("item named by name field", func(t *testing.T) {
		store := &fakeStore{scripts: map[string]*storage.ScriptRow{
			"s": {Name: "s", Steps: []byte(`[
				{"config": {"order": 1, "category": "pumpA", "name": "rate", "value": "$r$"}}
			]`)},
		}}
		engine, d := newEngine(store)

		require.NoError(t, engine.Run(context.Background(), "s", params("r", "50"), Caller{}))
		calls := d.recorded()
		require.Len(t, calls, 1)
		assert.Equal(t, [3]string{"pumpA", "rate", "50"}, calls[0].config)
	})

	t.Run("item field tolerated as alias", func(t *testing.T) {
		store := &fakeStore{scripts: map[string]*storage.ScriptRow{
			"s": {Name: "s", Steps: []byte(`[
				{"config": {"order": 1, "category": "pumpA", "item": "rate", "value": "50"}}
			]`)},
		}}
		engine, d := newEngine(store)

		require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))
		calls := d.recorded()
		require.Len(t, calls, 1)
		assert.Equal(t, [3]string{"pumpA", "rate", "50"}, calls[0].config)
	})
}

func TestNestedScriptDepthLimit(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"loop": {Name: "loop", Steps: []byte(`[
			{"script": {"order": 1, "name": "loop"}}
		]`)},
	}}
	engine, _ := newEngine(store)

	err := engine.Run(context.Background(), "loop", params(), Caller{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper")
}

func TestSingleQuotedStepsTolerated(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[{'write': {'order': 1, 'service': 'a', 'values': {'x': '1'}}}]`)},
	}}
	engine, d := newEngine(store)

	require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))
	require.Len(t, d.recorded(), 1)
}

func TestACL(t *testing.T) {
	steps := []byte(`[{"write": {"order": 1, "service": "a", "values": {}}}]`)
	store := &fakeStore{
		scripts: map[string]*storage.ScriptRow{
			"s": {Name: "s", Steps: steps, ACL: "guard"},
		},
		acls: map[string]*storage.ACLRow{},
	}

	tests := []struct {
		name    string
		service string
		url     string
		caller  Caller
		allowed bool
	}{
		{"both lists empty allow", `[]`, `[]`, Caller{SourceName: "x"}, true},
		{"service name allowed", `[{"name": "north"}]`, `[]`, Caller{SourceName: "north"}, true},
		{"service type allowed", `[{"type": "Notification"}]`, `[]`, Caller{SourceType: "Notification"}, true},
		{"service denied", `[{"name": "north"}]`, `[]`, Caller{SourceName: "south"}, false},
		{"url allowed", `[]`, `[{"url": "/dispatch/write"}]`, Caller{RequestURL: "/dispatch/write"}, true},
		{"url denied", `[]`, `[{"url": "/dispatch/write"}]`, Caller{RequestURL: "/other"}, false},
		{"url entry admits source type", `[]`, `[{"url": "/dispatch/write", "acl": [{"type": "Notification"}]}]`,
			Caller{SourceType: "Notification", RequestURL: "/other"}, true},
		{"url entry denies other source type", `[]`, `[{"url": "/dispatch/write", "acl": [{"type": "Notification"}]}]`,
			Caller{SourceType: "Schedule", RequestURL: "/other"}, false},
		{"empty inner acl admits any type on url", `[]`, `[{"url": "/dispatch/write", "acl": []}]`,
			Caller{SourceType: "Schedule", RequestURL: "/dispatch/write"}, true},
		{"both lists must pass", `[{"name": "north"}]`, `[{"url": "/dispatch/write"}]`,
			Caller{SourceName: "north", RequestURL: "/other"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.acls["guard"] = &storage.ACLRow{
				Name: "guard", Service: []byte(tt.service), URL: []byte(tt.url),
			}
			engine, d := newEngine(store)
			err := engine.Run(context.Background(), "s", params(), tt.caller)
			if tt.allowed {
				require.NoError(t, err)
				assert.Len(t, d.recorded(), 1)
			} else {
				require.Error(t, err)
				assert.Empty(t, d.recorded())
			}
		})
	}
}

func TestStepFailureAbortsScript(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[
			{"write": {"order": 1, "service": "bad", "values": {}}},
			{"write": {"order": 2, "service": "good", "values": {}}}
		]`)},
	}}
	d := &fakeDispatcher{failOn: "bad"}
	engine := NewEngine(store, d, slog.Default())

	err := engine.Run(context.Background(), "s", params(), Caller{})
	require.Error(t, err, "the failing step must surface")
	assert.Contains(t, err.Error(), "step 1")
	assert.Len(t, d.recorded(), 1, "no step runs after the failing one")
}

func TestInvalidate(t *testing.T) {
	store := &fakeStore{scripts: map[string]*storage.ScriptRow{
		"s": {Name: "s", Steps: []byte(`[{"write": {"order": 1, "service": "a", "values": {}}}]`)},
	}}
	engine, _ := newEngine(store)
	require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))

	// A changed row replaces the cached parse only after invalidation.
	store.scripts["s"] = &storage.ScriptRow{
		Name: "s", Steps: []byte(`[{"write": {"order": 1, "service": "z", "values": {}}}]`),
	}
	engine.Invalidate("s")

	d2 := &fakeDispatcher{}
	engine.dispatcher = d2
	require.NoError(t, engine.Run(context.Background(), "s", params(), Caller{}))
	calls := d2.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "z", calls[0].dest.Service)
}
