// Package script executes stored automation scripts: ordered steps that
// write setpoints, invoke operations, change configuration, pause, or run
// further scripts.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/storage"
)

// maxDepth bounds script nesting so mutually recursive scripts terminate.
const maxDepth = 10

// Caller identifies who asked for a script to run. ACLs are evaluated
// against it.
type Caller struct {
	SourceName string
	SourceType string
	RequestURL string
}

// Destination selects where a write or operation step is sent: a named
// service, the service ingesting an asset, or with both empty a broadcast
// to every south service.
type Destination struct {
	Service string
	Asset   string
}

// Dispatcher is the engine's outbound surface. The dispatcher service
// implements it; steps never talk to south services directly.
type Dispatcher interface {
	Setpoint(ctx context.Context, caller Caller, dest Destination, values kvlist.KVList) error
	Operation(ctx context.Context, caller Caller, dest Destination, operation string, params kvlist.KVList) error
	SetConfig(ctx context.Context, category, item, value string) error
}

type step struct {
	kind  string
	order int
	body  gjson.Result
}

type parsedScript struct {
	name  string
	acl   string
	steps []step
}

// Engine loads, caches and runs control scripts.
type Engine struct {
	log        *slog.Logger
	store      storage.Client
	dispatcher Dispatcher

	mu    sync.Mutex
	cache map[string]*parsedScript
}

func NewEngine(store storage.Client, dispatcher Dispatcher, log *slog.Logger) *Engine {
	return &Engine{
		log:        log,
		store:      store,
		dispatcher: dispatcher,
		cache:      make(map[string]*parsedScript),
	}
}

// Invalidate drops the cached copy of a script, forcing a reload on next
// use. Called when the script tables change.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		e.cache = make(map[string]*parsedScript)
		return
	}
	delete(e.cache, name)
}

// Run executes the named script with the given parameters. Steps run in
// ascending order; the first failing step aborts the script.
func (e *Engine) Run(ctx context.Context, name string, params kvlist.KVList, caller Caller) error {
	return e.run(ctx, name, params, caller, 0)
}

func (e *Engine) run(ctx context.Context, name string, params kvlist.KVList, caller Caller, depth int) error {
	if depth >= maxDepth {
		return fmt.Errorf("script %q: nested deeper than %d scripts", name, maxDepth)
	}

	s, err := e.script(ctx, name)
	if err != nil {
		return err
	}
	if s.acl != "" {
		allowed, err := e.aclAllows(ctx, s.acl, caller)
		if err != nil {
			return fmt.Errorf("script %q: %w", name, err)
		}
		if !allowed {
			return fmt.Errorf("script %q: caller %q denied by acl %q", name, caller.SourceName, s.acl)
		}
	}

	for _, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStep(ctx, name, st, params, caller, depth); err != nil {
			e.log.Error("script step failed, aborting script",
				slog.String("script", name),
				slog.String("step", st.kind),
				slog.Int("order", st.order),
				slog.Any("error", err))
			return fmt.Errorf("step %d (%s): %w", st.order, st.kind, err)
		}
	}
	return nil
}

// script returns the parsed script, loading and caching it on first use.
func (e *Engine) script(ctx context.Context, name string) (*parsedScript, error) {
	e.mu.Lock()
	if s, ok := e.cache[name]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	row, err := e.store.Script(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load script %q: %w", name, err)
	}
	steps, err := parseSteps(row.Steps)
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", name, err)
	}
	s := &parsedScript{name: name, acl: row.ACL, steps: steps}

	e.mu.Lock()
	e.cache[name] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) runStep(ctx context.Context, script string, st step, params kvlist.KVList, caller Caller, depth int) error {
	if !e.conditionHolds(script, st, params) {
		return nil
	}

	switch st.kind {
	case "write":
		return e.writeStep(ctx, st, params, caller, depth)
	case "operation":
		return e.operationStep(ctx, st, params, caller)
	case "delay":
		return delayStep(ctx, st)
	case "config":
		return e.configStep(ctx, st, params)
	case "script":
		nested := st.body.Get("name").String()
		if nested == "" {
			return fmt.Errorf("script step without a script name")
		}
		return e.run(ctx, nested, stepValues(st.body, "parameters", params), caller, depth+1)
	default:
		return fmt.Errorf("unsupported step type %q", st.kind)
	}
}

func (e *Engine) writeStep(ctx context.Context, st step, params kvlist.KVList, caller Caller, depth int) error {
	values := stepValues(st.body, "values", params)
	if nested := st.body.Get("script").String(); nested != "" {
		return e.run(ctx, nested, values, caller, depth+1)
	}
	return e.dispatcher.Setpoint(ctx, caller, stepDestination(st.body), values)
}

func (e *Engine) operationStep(ctx context.Context, st step, params kvlist.KVList, caller Caller) error {
	name := st.body.Get("name").String()
	if name == "" {
		name = st.body.Get("operation").String()
	}
	if name == "" {
		return fmt.Errorf("operation step without an operation name")
	}
	opParams := stepValues(st.body, "parameters", params)
	return e.dispatcher.Operation(ctx, caller, stepDestination(st.body), name, opParams)
}

func delayStep(ctx context.Context, st step) error {
	ms := st.body.Get("duration").Int()
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// configStep sets one configuration item. The item is named by the step's
// "name" field; "item" is tolerated as an alias.
func (e *Engine) configStep(ctx context.Context, st step, params kvlist.KVList) error {
	category := st.body.Get("category").String()
	item := st.body.Get("name").String()
	if item == "" {
		item = st.body.Get("item").String()
	}
	if category == "" || item == "" {
		return fmt.Errorf("config step without category or name")
	}
	value := kvlist.SubstituteString(st.body.Get("value").String(), params)
	return e.dispatcher.SetConfig(ctx, category, item, value)
}

// conditionHolds evaluates a step's optional condition against the script
// parameters. A condition on a missing parameter skips the step.
func (e *Engine) conditionHolds(script string, st step, params kvlist.KVList) bool {
	cond := st.body.Get("condition")
	if !cond.Exists() {
		return true
	}
	key := cond.Get("key").String()
	if !params.Has(key) {
		e.log.Warn("condition parameter missing, skipping step",
			slog.String("script", script),
			slog.String("key", key),
			slog.Int("order", st.order))
		return false
	}
	got := params.Get(key)
	want := cond.Get("value").String()
	switch op := cond.Get("condition").String(); op {
	case "==":
		return got == want
	case "!=":
		return got != want
	default:
		e.log.Warn("unsupported condition operator, skipping step",
			slog.String("script", script),
			slog.String("operator", op),
			slog.Int("order", st.order))
		return false
	}
}

func stepDestination(body gjson.Result) Destination {
	return Destination{
		Service: body.Get("service").String(),
		Asset:   body.Get("asset").String(),
	}
}

// stepValues extracts a key/value object from the step body and substitutes
// the script parameters into it.
func stepValues(body gjson.Result, field string, params kvlist.KVList) kvlist.KVList {
	obj := body.Get(field)
	if !obj.Exists() {
		return kvlist.New()
	}
	values, err := kvlist.FromJSON([]byte(obj.Raw))
	if err != nil {
		return kvlist.New()
	}
	return values.Substitute(params)
}

// parseSteps decodes the steps column: a JSON array of single key objects,
// keyed by step type, each body carrying a unique order. The column
// sometimes arrives as a quoted string or with single quotes; both are
// tolerated.
func parseSteps(raw []byte) ([]step, error) {
	text := strings.TrimSpace(string(raw))
	if !gjson.Valid(text) {
		text = strings.ReplaceAll(text, "'", `"`)
	}
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("steps column is not valid JSON")
	}
	doc := gjson.Parse(text)
	if doc.Type == gjson.String {
		inner := doc.String()
		if !gjson.Valid(inner) {
			inner = strings.ReplaceAll(inner, "'", `"`)
		}
		doc = gjson.Parse(inner)
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("steps column is not a JSON array")
	}

	var (
		steps   []step
		seen    = make(map[int]bool)
		parseEr error
	)
	doc.ForEach(func(_, el gjson.Result) bool {
		el.ForEach(func(k, v gjson.Result) bool {
			kind := k.String()
			order := v.Get("order")
			if !order.Exists() {
				parseEr = fmt.Errorf("step %q has no order", kind)
				return false
			}
			o := int(order.Int())
			if seen[o] {
				parseEr = fmt.Errorf("duplicate step order %d", o)
				return false
			}
			seen[o] = true
			steps = append(steps, step{kind: kind, order: o, body: v})
			return true
		})
		return parseEr == nil
	})
	if parseEr != nil {
		return nil, parseEr
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].order < steps[j].order })
	return steps, nil
}

// aclAllows evaluates an access control list against the caller. The
// caller must satisfy both the service list and the URL list; an empty
// list constrains nothing.
func (e *Engine) aclAllows(ctx context.Context, name string, caller Caller) (bool, error) {
	row, err := e.store.ACL(ctx, name)
	if err != nil {
		return false, fmt.Errorf("load acl: %w", err)
	}

	serviceOK := listAllows(gjson.ParseBytes(row.Service), func(entry gjson.Result) bool {
		if n := entry.Get("name").String(); n != "" && n == caller.SourceName {
			return true
		}
		if t := entry.Get("type").String(); t != "" && t == caller.SourceType {
			return true
		}
		return false
	})
	// A url entry admits the caller on its URL, or through its inner acl of
	// source types. An empty inner acl restricts nothing beyond the URL.
	urlOK := listAllows(gjson.ParseBytes(row.URL), func(entry gjson.Result) bool {
		if u := entry.Get("url").String(); u != "" && u == caller.RequestURL {
			return true
		}
		inner := entry.Get("acl")
		if !inner.IsArray() || len(inner.Array()) == 0 {
			return false
		}
		allowed := false
		inner.ForEach(func(_, e gjson.Result) bool {
			if t := e.Get("type").String(); t != "" && t == caller.SourceType {
				allowed = true
				return false
			}
			return true
		})
		return allowed
	})
	return serviceOK && urlOK, nil
}

func listAllows(list gjson.Result, match func(gjson.Result) bool) bool {
	if !list.IsArray() || len(list.Array()) == 0 {
		return true
	}
	allowed := false
	list.ForEach(func(_, entry gjson.Result) bool {
		if match(entry) {
			allowed = true
			return false
		}
		return true
	})
	return allowed
}
