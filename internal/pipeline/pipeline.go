package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/endpoint"
)

// Execution policies for a pipeline. A shared pipeline runs every caller
// through one plugin chain; an exclusive pipeline builds a chain per
// distinct source and destination pair so stateful filters never see
// interleaved traffic.
const (
	ExecutionShared    = "shared"
	ExecutionExclusive = "exclusive"
)

// boundContext is an execution context pinned to the concrete endpoints it
// was created for.
type boundContext struct {
	source endpoint.Endpoint
	dest   endpoint.Endpoint
	ctx    *Context
}

// Pipeline is one named control pipeline: a pair of endpoint patterns, an
// ordered filter list and the execution contexts built from it.
type Pipeline struct {
	name      string
	log       *slog.Logger
	cfg       configstore.Client
	registrar categoryRegistrar

	mu        sync.Mutex
	enabled   bool
	exclusive bool
	source    endpoint.Endpoint
	dest      endpoint.Endpoint
	filters   []string
	shared    *Context
	contexts  []*boundContext
}

func New(name string, source, dest endpoint.Endpoint, cfg configstore.Client, registrar categoryRegistrar, log *slog.Logger) *Pipeline {
	return &Pipeline{
		name:      name,
		log:       log,
		cfg:       cfg,
		registrar: registrar,
		source:    source,
		dest:      dest,
	}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Pipeline) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *Pipeline) Exclusive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusive
}

// SetExecution switches between shared and exclusive execution. Changing
// policy tears the existing contexts down so chains rebuild under the new
// policy on next use.
func (p *Pipeline) SetExecution(execution string) {
	exclusive := execution == ExecutionExclusive
	p.mu.Lock()
	if p.exclusive == exclusive {
		p.mu.Unlock()
		return
	}
	p.exclusive = exclusive
	dropped := p.takeContexts()
	p.mu.Unlock()
	shutdownAll(dropped)
}

func (p *Pipeline) Endpoints() (source, dest endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source, p.dest
}

// SetEndpoints replaces the pipeline's endpoint patterns. Existing contexts
// were built for the old patterns, so they are torn down.
func (p *Pipeline) SetEndpoints(source, dest endpoint.Endpoint) {
	p.mu.Lock()
	if p.source == source && p.dest == dest {
		p.mu.Unlock()
		return
	}
	p.source = source
	p.dest = dest
	dropped := p.takeContexts()
	p.mu.Unlock()
	shutdownAll(dropped)
}

// SetFilters installs the initial ordered filter list. Used at load time,
// before any context exists.
func (p *Pipeline) SetFilters(filters []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append([]string(nil), filters...)
}

// Filters returns the current ordered filter category names.
func (p *Pipeline) Filters() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.filters...)
}

// Matches reports whether this pipeline's patterns cover the concrete
// source and destination of a request.
func (p *Pipeline) Matches(source, dest endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source.Matches(source) && p.dest.Matches(dest)
}

// matchesTier classifies the pipeline against a request for the four
// precedence tiers: exact patterns outrank Any patterns, source before
// destination.
func (p *Pipeline) matchesTier(tier int, source, dest endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	srcAny := p.source.Kind == endpoint.KindAny
	dstAny := p.dest.Kind == endpoint.KindAny
	switch tier {
	case 0:
		return !srcAny && !dstAny && p.source.Matches(source) && p.dest.Matches(dest)
	case 1:
		return srcAny && !dstAny && p.dest.Matches(dest)
	case 2:
		return !srcAny && dstAny && p.source.Matches(source)
	default:
		return srcAny && dstAny
	}
}

// ExecutionContext returns the plugin chain for the given concrete
// endpoints: the single shared context, or for an exclusive pipeline the
// context bound to exactly this pair, created on first sight.
func (p *Pipeline) ExecutionContext(source, dest endpoint.Endpoint) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exclusive {
		if p.shared == nil {
			p.shared = NewContext(p.name, p.filters, p.cfg, p.registrar, p.log)
		}
		return p.shared
	}

	for _, bc := range p.contexts {
		if bc.source == source && bc.dest == dest {
			return bc.ctx
		}
	}
	bc := &boundContext{
		source: source,
		dest:   dest,
		ctx:    NewContext(p.name, p.filters, p.cfg, p.registrar, p.log),
	}
	p.contexts = append(p.contexts, bc)
	p.log.Debug("created exclusive execution context",
		slog.String("pipeline", p.name),
		slog.String("source", source.String()),
		slog.String("destination", dest.String()))
	return bc.ctx
}

// AddFilter inserts the filter category at the one-based order in the
// pipeline's filter list and in every live context.
func (p *Pipeline) AddFilter(ctx context.Context, name string, order int) {
	p.mu.Lock()
	idx := order - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.filters) {
		idx = len(p.filters)
	}
	p.filters = append(p.filters[:idx], append([]string{name}, p.filters[idx:]...)...)
	targets := p.liveContexts()
	p.mu.Unlock()

	for _, c := range targets {
		c.AddFilter(ctx, name, order)
	}
}

// RemoveFilter drops the filter category from the pipeline's filter list
// and from every live context.
func (p *Pipeline) RemoveFilter(ctx context.Context, name string) {
	p.mu.Lock()
	found := false
	for i, f := range p.filters {
		if f == name {
			p.filters = append(p.filters[:i], p.filters[i+1:]...)
			found = true
			break
		}
	}
	targets := p.liveContexts()
	p.mu.Unlock()

	if !found {
		p.log.Warn("filter not attached to pipeline",
			slog.String("pipeline", p.name), slog.String("category", name))
		return
	}
	for _, c := range targets {
		c.RemoveFilter(ctx, name)
	}
}

// Reorder moves the filter category to the one-based order. A filter
// already at that order is a no-op.
func (p *Pipeline) Reorder(ctx context.Context, name string, order int) {
	p.mu.Lock()
	target := order - 1
	if target < 0 || target >= len(p.filters) || p.filters[target] == name {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, f := range p.filters {
		if f == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		p.log.Warn("filter not attached to pipeline",
			slog.String("pipeline", p.name), slog.String("category", name))
		return
	}
	p.filters[idx], p.filters[target] = p.filters[target], p.filters[idx]
	targets := p.liveContexts()
	p.mu.Unlock()

	for _, c := range targets {
		c.Reorder(ctx, name, order)
	}
}

// RemoveAllContexts shuts every execution context down. Chains rebuild
// lazily on the next request through the pipeline.
func (p *Pipeline) RemoveAllContexts() {
	p.mu.Lock()
	dropped := p.takeContexts()
	p.mu.Unlock()
	shutdownAll(dropped)
}

// liveContexts snapshots the current contexts. Callers hold p.mu.
func (p *Pipeline) liveContexts() []*Context {
	var out []*Context
	if p.shared != nil {
		out = append(out, p.shared)
	}
	for _, bc := range p.contexts {
		out = append(out, bc.ctx)
	}
	return out
}

// takeContexts detaches every context from the pipeline and returns them
// for shutdown outside the lock. Callers hold p.mu.
func (p *Pipeline) takeContexts() []*Context {
	out := p.liveContexts()
	p.shared = nil
	p.contexts = nil
	return out
}

func shutdownAll(contexts []*Context) {
	for _, c := range contexts {
		c.Shutdown()
	}
}
