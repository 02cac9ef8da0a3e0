package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/reading"
)

// categoryRegistrar records which plugin instances listen to a filter
// category so configuration changes reach them. The manager implements it.
type categoryRegistrar interface {
	RegisterCategory(ctx context.Context, name string, p filter.Plugin)
	UnregisterCategory(name string, p filter.Plugin)
}

// Context is a live, wired-up chain of filter plugins for one pipeline.
// A context executes one filter call at a time: it is the unit of
// concurrency for pipeline execution.
type Context struct {
	name      string
	log       *slog.Logger
	cfg       configstore.Client
	registrar categoryRegistrar

	mu      sync.Mutex
	filters []string
	plugins []filter.Plugin
	result  *reading.Set
	failed  bool
}

func NewContext(name string, filters []string, cfg configstore.Client, registrar categoryRegistrar, log *slog.Logger) *Context {
	return &Context{
		name:      name,
		log:       log,
		cfg:       cfg,
		registrar: registrar,
		filters:   append([]string(nil), filters...),
	}
}

// Filter runs the reading through the plugin chain and returns the result,
// or nil when the pipeline suppressed the request. An empty or failed
// pipeline suppresses every request.
func (c *Context) Filter(ctx context.Context, r *reading.Reading) *reading.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.plugins) == 0 && !c.failed {
		if err := c.load(ctx); err != nil {
			c.failed = true
			c.log.Error("failed to load control filter pipeline",
				slog.String("pipeline", c.name), slog.Any("error", err))
		}
	}
	if c.failed || len(c.plugins) == 0 {
		c.log.Info("control filter pipeline removed control request",
			slog.String("pipeline", c.name))
		return nil
	}

	c.result = nil
	c.plugins[0].Ingest(reading.NewSet(r))

	if c.result.Count() > 0 {
		return c.result.First()
	}
	c.log.Info("control filter pipeline removed control request",
		slog.String("pipeline", c.name))
	return nil
}

// load resolves every filter category into a plugin instance and wires the
// chain. Categories without a plugin item are skipped. Callers hold c.mu.
func (c *Context) load(ctx context.Context) error {
	var (
		names   []string
		plugins []filter.Plugin
	)
	for _, category := range c.filters {
		instance, err := c.newPlugin(ctx, category)
		if err != nil {
			return err
		}
		if instance == nil {
			c.log.Warn("filter category has no plugin configured, skipping",
				slog.String("pipeline", c.name), slog.String("category", category))
			continue
		}
		names = append(names, category)
		plugins = append(plugins, instance)
	}

	c.filters = names
	c.plugins = plugins

	for i := range c.plugins {
		if err := c.wire(ctx, i); err != nil {
			return err
		}
		c.registrar.RegisterCategory(ctx, c.filters[i], c.plugins[i])
	}
	c.log.Debug("loaded control filter pipeline",
		slog.String("pipeline", c.name), slog.Int("filters", len(c.plugins)))
	return nil
}

// newPlugin builds the plugin instance for a filter category and registers
// the plugin defaults with the config store. A nil plugin with nil error
// means the category carries no plugin item.
func (c *Context) newPlugin(ctx context.Context, category string) (filter.Plugin, error) {
	cat, err := c.cfg.GetCategory(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("fetch category %q: %w", category, err)
	}
	pluginName := cat.Value("plugin")
	if pluginName == "" {
		return nil, nil
	}
	factory, ok := filter.Lookup(pluginName)
	if !ok {
		return nil, fmt.Errorf("unknown filter plugin %q for category %q", pluginName, category)
	}
	description := fmt.Sprintf("Configuration of %q filter for plugin %q", pluginName, category)
	if err := c.cfg.CreateCategory(ctx, category, description, factory.Defaults, true); err != nil {
		return nil, fmt.Errorf("register defaults for category %q: %w", category, err)
	}
	return factory.New(c.log), nil
}

// wire initialises the plugin at position i with its merged configuration
// and a forwarder to the stage after it. Callers hold c.mu.
func (c *Context) wire(ctx context.Context, i int) error {
	cat, err := c.cfg.GetCategory(ctx, c.filters[i])
	if err != nil {
		return fmt.Errorf("fetch merged category %q: %w", c.filters[i], err)
	}
	p := c.plugins[i]
	if err := p.Init(cat, c.forwardFrom(p)); err != nil {
		return fmt.Errorf("init plugin for category %q: %w", c.filters[i], err)
	}
	return nil
}

// rewire shuts the plugin at position i down and initialises it again so
// its forwarder reflects the current chain. The filter plugin API requires
// a shutdown before any re-init.
func (c *Context) rewire(ctx context.Context, i int) {
	c.plugins[i].Shutdown()
	if err := c.wire(ctx, i); err != nil {
		c.log.Error("failed to rewire filter plugin",
			slog.String("pipeline", c.name),
			slog.String("category", c.filters[i]),
			slog.Any("error", err))
		c.failed = true
	}
}

// forwardFrom returns the forwarder handed to plugin p: it sends the set to
// whatever plugin currently follows p, or into the result slot when p is
// the last stage.
func (c *Context) forwardFrom(p filter.Plugin) filter.NextFn {
	return func(set *reading.Set) {
		idx := c.indexOf(p)
		if idx < 0 || idx+1 >= len(c.plugins) {
			c.result = set
			return
		}
		c.plugins[idx+1].Ingest(set)
	}
}

func (c *Context) indexOf(p filter.Plugin) int {
	for i := range c.plugins {
		if c.plugins[i] == p {
			return i
		}
	}
	return -1
}

func (c *Context) position(name string) int {
	for i := range c.filters {
		if c.filters[i] == name {
			return i
		}
	}
	return -1
}

// AddFilter inserts the filter category at the one-based order and wires
// the new plugin into the chain.
func (c *Context) AddFilter(ctx context.Context, name string, order int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := order - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(c.plugins) {
		idx = len(c.plugins)
	}

	instance, err := c.newPlugin(ctx, name)
	if err != nil {
		c.log.Error("cannot add filter to pipeline",
			slog.String("pipeline", c.name), slog.String("category", name),
			slog.Any("error", err))
		return
	}
	if instance == nil {
		c.log.Warn("filter category has no plugin configured, not added",
			slog.String("pipeline", c.name), slog.String("category", name))
		return
	}

	c.filters = append(c.filters[:idx], append([]string{name}, c.filters[idx:]...)...)
	c.plugins = append(c.plugins[:idx], append([]filter.Plugin{instance}, c.plugins[idx:]...)...)

	if err := c.wire(ctx, idx); err != nil {
		c.log.Error("cannot wire added filter",
			slog.String("pipeline", c.name), slog.String("category", name),
			slog.Any("error", err))
		c.failed = true
		return
	}
	c.registrar.RegisterCategory(ctx, name, instance)

	// The predecessor must forward to the new plugin; under the plugin API
	// that takes a shutdown followed by a fresh init.
	if idx > 0 {
		c.rewire(ctx, idx-1)
	}
}

// RemoveFilter shuts the named filter down and closes the gap in the chain.
func (c *Context) RemoveFilter(ctx context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.position(name)
	if idx < 0 {
		c.log.Warn("filter not in pipeline",
			slog.String("pipeline", c.name), slog.String("category", name))
		return
	}

	removed := c.plugins[idx]
	removed.Shutdown()
	c.registrar.UnregisterCategory(name, removed)

	c.filters = append(c.filters[:idx], c.filters[idx+1:]...)
	c.plugins = append(c.plugins[:idx], c.plugins[idx+1:]...)

	// When the tail was removed, the predecessor becomes the terminal stage.
	if idx >= len(c.plugins) && len(c.plugins) > 0 {
		c.rewire(ctx, len(c.plugins)-1)
	}
}

// Reorder moves the named filter to the one-based order by swapping it with
// the entry currently there. Already in place is a no-op: update storms are
// debounced this way.
func (c *Context) Reorder(ctx context.Context, name string, order int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := order - 1
	if target < 0 || target >= len(c.filters) {
		c.log.Warn("reorder target out of range",
			slog.String("pipeline", c.name), slog.String("category", name),
			slog.Int("order", order))
		return
	}
	if c.filters[target] == name {
		return
	}
	idx := c.position(name)
	if idx < 0 {
		c.log.Warn("filter not in pipeline",
			slog.String("pipeline", c.name), slog.String("category", name))
		return
	}

	c.filters[idx], c.filters[target] = c.filters[target], c.filters[idx]
	c.plugins[idx], c.plugins[target] = c.plugins[target], c.plugins[idx]

	for _, i := range rewireSet(idx, target, len(c.plugins)) {
		c.rewire(ctx, i)
	}
}

// rewireSet yields the positions whose forwarding changed after swapping
// i and j: the swapped entries and their predecessors.
func rewireSet(i, j, n int) []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range []int{i - 1, i, j - 1, j} {
		if p >= 0 && p < n && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Shutdown stops every plugin in the chain. The owner must guarantee no
// further Filter calls arrive.
func (c *Context) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.plugins {
		p.Shutdown()
		c.registrar.UnregisterCategory(c.filters[i], p)
	}
	c.plugins = nil
	c.filters = nil
}

// FilterNames returns the current filter categories in chain order.
func (c *Context) FilterNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.filters...)
}
