package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/storage"
)

// Control tables the manager tracks for live changes.
const (
	TablePipelines = "control_pipelines"
	TableFilters   = "control_filters"
)

// Manager owns every control pipeline: it loads them from storage, matches
// requests to the best pipeline and applies live table changes.
type Manager struct {
	log   *slog.Logger
	store storage.Client
	cfg   configstore.Client

	mu          sync.Mutex
	pipelines   map[string]*Pipeline
	byID        map[int64]string
	sourceKinds map[int64]endpoint.Kind
	destKinds   map[int64]endpoint.Kind

	// Category listeners are guarded separately: plugins register while
	// their context lock is held, and holding mu there would order locks
	// against the table handlers.
	catMu      sync.Mutex
	categories map[string][]filter.Plugin
	interests  map[string]bool
}

var _ categoryRegistrar = (*Manager)(nil)

func NewManager(store storage.Client, cfg configstore.Client, log *slog.Logger) *Manager {
	return &Manager{
		log:         log,
		store:       store,
		cfg:         cfg,
		pipelines:   make(map[string]*Pipeline),
		byID:        make(map[int64]string),
		sourceKinds: make(map[int64]endpoint.Kind),
		destKinds:   make(map[int64]endpoint.Kind),
		categories:  make(map[string][]filter.Plugin),
		interests:   make(map[string]bool),
	}
}

// Load reads the endpoint type lookups and every pipeline with its ordered
// filters from storage. Called once before the service accepts requests.
func (m *Manager) Load(ctx context.Context) error {
	sources, err := m.store.SourceTypes(ctx)
	if err != nil {
		return fmt.Errorf("load source types: %w", err)
	}
	dests, err := m.store.DestinationTypes(ctx)
	if err != nil {
		return fmt.Errorf("load destination types: %w", err)
	}
	rows, err := m.store.Pipelines(ctx)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range sources {
		m.sourceKinds[s.ID] = endpoint.KindFromString(s.Name)
	}
	for _, d := range dests {
		m.destKinds[d.ID] = endpoint.KindFromString(d.Name)
	}

	for _, row := range rows {
		p, err := m.buildPipeline(ctx, row)
		if err != nil {
			m.log.Warn("skipping pipeline", slog.String("name", row.Name), slog.Any("error", err))
			continue
		}
		m.pipelines[row.Name] = p
		m.byID[row.ID] = row.Name
	}
	m.log.Info("loaded control pipelines", slog.Int("count", len(m.pipelines)))
	return nil
}

// buildPipeline turns a storage row and its filter list into a Pipeline.
// Callers hold m.mu.
func (m *Manager) buildPipeline(ctx context.Context, row storage.PipelineRow) (*Pipeline, error) {
	source, ok := m.endpointFor(m.sourceKinds, row.SourceTypeID, row.SourceName)
	if !ok {
		return nil, fmt.Errorf("unknown source type %d", row.SourceTypeID)
	}
	dest, ok := m.endpointFor(m.destKinds, row.DestTypeID, row.DestName)
	if !ok {
		return nil, fmt.Errorf("unknown destination type %d", row.DestTypeID)
	}

	p := New(row.Name, source, dest, m.cfg, m, m.log)
	p.SetEnabled(row.Enabled)
	p.SetExecution(strings.ToLower(row.Execution))

	filters, err := m.store.Filters(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load filters: %w", err)
	}
	p.SetFilters(filters)
	return p, nil
}

func (m *Manager) endpointFor(kinds map[int64]endpoint.Kind, typeID int64, name string) (endpoint.Endpoint, bool) {
	kind, ok := kinds[typeID]
	if !ok || kind == endpoint.KindUndefined {
		return endpoint.Endpoint{}, false
	}
	return endpoint.New(kind, name), true
}

// FindPipeline returns the best pipeline for the request endpoints, or nil.
// Precedence runs exact/exact, Any/exact, exact/Any, Any/Any; within a tier
// the lexicographically first pipeline name wins so matching stays
// deterministic.
func (m *Manager) FindPipeline(source, dest endpoint.Endpoint) *Pipeline {
	m.mu.Lock()
	names := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	candidates := make([]*Pipeline, 0, len(names))
	for _, name := range names {
		candidates = append(candidates, m.pipelines[name])
	}
	m.mu.Unlock()

	for tier := 0; tier < 4; tier++ {
		for _, p := range candidates {
			if p.matchesTier(tier, source, dest) {
				return p
			}
		}
	}
	return nil
}

// Pipeline returns the named pipeline, or nil.
func (m *Manager) Pipeline(name string) *Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipelines[name]
}

// Shutdown tears every pipeline's execution contexts down.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		all = append(all, p)
	}
	m.mu.Unlock()

	for _, p := range all {
		p.RemoveAllContexts()
	}
}

// RegisterCategory records a plugin as listener for a filter category and
// registers interest with the config store the first time the category is
// seen.
func (m *Manager) RegisterCategory(ctx context.Context, name string, p filter.Plugin) {
	m.catMu.Lock()
	m.categories[name] = append(m.categories[name], p)
	first := !m.interests[name]
	if first {
		m.interests[name] = true
	}
	m.catMu.Unlock()

	if first {
		if err := m.cfg.RegisterInterest(ctx, name); err != nil {
			m.log.Warn("cannot register interest in category",
				slog.String("category", name), slog.Any("error", err))
		}
	}
}

// UnregisterCategory drops one plugin instance from a category's listener
// list.
func (m *Manager) UnregisterCategory(name string, p filter.Plugin) {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	listeners := m.categories[name]
	for i, l := range listeners {
		if l == p {
			m.categories[name] = append(listeners[:i], listeners[i+1:]...)
			return
		}
	}
}

// CategoryChanged delivers a changed category configuration to every plugin
// listening on it. Returns false when no plugin listens on the category.
func (m *Manager) CategoryChanged(name string, raw json.RawMessage) bool {
	m.catMu.Lock()
	listeners := append([]filter.Plugin(nil), m.categories[name]...)
	m.catMu.Unlock()

	if len(listeners) == 0 {
		return false
	}
	for _, p := range listeners {
		p.Reconfigure(raw)
	}
	m.log.Debug("reconfigured filter category",
		slog.String("category", name), slog.Int("listeners", len(listeners)))
	return true
}

// HandleInsert applies a row insert on one of the control tables.
func (m *Manager) HandleInsert(ctx context.Context, table string, doc []byte) {
	switch table {
	case TablePipelines:
		m.pipelineInsert(ctx, gjson.ParseBytes(doc))
	case TableFilters:
		m.filterInsert(ctx, gjson.ParseBytes(doc))
	default:
		m.log.Debug("ignoring insert on table", slog.String("table", table))
	}
}

// HandleUpdate applies a row update, delivered as a {values, where}
// envelope.
func (m *Manager) HandleUpdate(ctx context.Context, table string, doc []byte) {
	switch table {
	case TablePipelines:
		m.pipelineUpdate(gjson.ParseBytes(doc))
	case TableFilters:
		m.filterUpdate(ctx, gjson.ParseBytes(doc))
	default:
		m.log.Debug("ignoring update on table", slog.String("table", table))
	}
}

// HandleDelete applies a row delete, identified by its where clause.
func (m *Manager) HandleDelete(ctx context.Context, table string, doc []byte) {
	switch table {
	case TablePipelines:
		m.pipelineDelete(gjson.ParseBytes(doc))
	case TableFilters:
		m.filterDelete(ctx, gjson.ParseBytes(doc))
	default:
		m.log.Debug("ignoring delete on table", slog.String("table", table))
	}
}

func (m *Manager) pipelineInsert(ctx context.Context, doc gjson.Result) {
	name := doc.Get("name").String()
	if name == "" || !doc.Get("stype").Exists() || !doc.Get("dtype").Exists() {
		m.log.Error("pipeline insert missing required columns",
			slog.String("document", doc.Raw))
		return
	}

	// The notification carries no cpid, so resolve the assigned id from
	// storage before publishing.
	row, err := m.store.PipelineByName(ctx, name)
	if err != nil {
		m.log.Error("cannot resolve inserted pipeline",
			slog.String("name", name), slog.Any("error", err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.buildPipeline(ctx, *row)
	if err != nil {
		m.log.Error("cannot build inserted pipeline",
			slog.String("name", name), slog.Any("error", err))
		return
	}
	m.pipelines[name] = p
	m.byID[row.ID] = name
	m.log.Info("added control pipeline", slog.String("name", name))
}

func (m *Manager) pipelineUpdate(doc gjson.Result) {
	where := whereValues(doc)
	p := m.pipelineByWhere(where)
	if p == nil {
		m.log.Warn("pipeline update for unknown pipeline", slog.String("document", doc.Raw))
		return
	}
	values := doc.Get("values")
	if !values.Exists() {
		m.log.Error("pipeline update without values", slog.String("document", doc.Raw))
		return
	}

	if v := values.Get("enabled"); v.Exists() {
		p.SetEnabled(boolish(v))
		m.log.Info("pipeline enabled state changed",
			slog.String("name", p.Name()), slog.Bool("enabled", boolish(v)))
	}
	if v := values.Get("execution"); v.Exists() {
		p.SetExecution(strings.ToLower(v.String()))
	}

	if values.Get("stype").Exists() || values.Get("sname").Exists() ||
		values.Get("dtype").Exists() || values.Get("dname").Exists() {
		m.updateEndpoints(p, values)
	}
}

// updateEndpoints overlays changed endpoint columns onto the pipeline's
// current patterns.
func (m *Manager) updateEndpoints(p *Pipeline, values gjson.Result) {
	source, dest := p.Endpoints()

	m.mu.Lock()
	if v := values.Get("stype"); v.Exists() {
		if kind, ok := m.sourceKinds[v.Int()]; ok {
			source.Kind = kind
		}
	}
	if v := values.Get("dtype"); v.Exists() {
		if kind, ok := m.destKinds[v.Int()]; ok {
			dest.Kind = kind
		}
	}
	m.mu.Unlock()

	if v := values.Get("sname"); v.Exists() {
		source.Name = v.String()
	}
	if v := values.Get("dname"); v.Exists() {
		dest.Name = v.String()
	}
	p.SetEndpoints(endpoint.New(source.Kind, source.Name), endpoint.New(dest.Kind, dest.Name))
	m.log.Info("pipeline endpoints changed", slog.String("name", p.Name()))
}

func (m *Manager) pipelineDelete(doc gjson.Result) {
	where := whereValues(doc)
	p := m.pipelineByWhere(where)
	if p == nil {
		m.log.Warn("pipeline delete for unknown pipeline", slog.String("document", doc.Raw))
		return
	}

	m.mu.Lock()
	delete(m.pipelines, p.Name())
	for id, name := range m.byID {
		if name == p.Name() {
			delete(m.byID, id)
			break
		}
	}
	m.mu.Unlock()

	p.RemoveAllContexts()
	m.log.Info("removed control pipeline", slog.String("name", p.Name()))
}

func (m *Manager) filterInsert(ctx context.Context, doc gjson.Result) {
	p := m.pipelineByID(doc.Get("cpid").Int())
	fname := doc.Get("fname").String()
	if p == nil || fname == "" {
		m.log.Warn("filter insert for unknown pipeline", slog.String("document", doc.Raw))
		return
	}
	p.AddFilter(ctx, fname, int(doc.Get("forder").Int()))
	m.log.Info("attached filter to pipeline",
		slog.String("pipeline", p.Name()), slog.String("category", fname))
}

func (m *Manager) filterUpdate(ctx context.Context, doc gjson.Result) {
	where := whereValues(doc)
	p := m.pipelineByID(where["cpid"].Int())
	fname := where["fname"].String()
	order := doc.Get("values.forder")
	if p == nil || fname == "" || !order.Exists() {
		m.log.Warn("filter update not applicable", slog.String("document", doc.Raw))
		return
	}
	p.Reorder(ctx, fname, int(order.Int()))
}

func (m *Manager) filterDelete(ctx context.Context, doc gjson.Result) {
	where := whereValues(doc)
	p := m.pipelineByID(where["cpid"].Int())
	fname := where["fname"].String()
	if p == nil || fname == "" {
		m.log.Warn("filter delete not applicable", slog.String("document", doc.Raw))
		return
	}
	p.RemoveFilter(ctx, fname)
	m.log.Info("detached filter from pipeline",
		slog.String("pipeline", p.Name()), slog.String("category", fname))
}

func (m *Manager) pipelineByID(id int64) *Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byID[id]
	if !ok {
		return nil
	}
	return m.pipelines[name]
}

// pipelineByWhere resolves the pipeline a where clause points at, by cpid
// or by name.
func (m *Manager) pipelineByWhere(where map[string]gjson.Result) *Pipeline {
	if v, ok := where["cpid"]; ok {
		return m.pipelineByID(v.Int())
	}
	if v, ok := where["name"]; ok {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.pipelines[v.String()]
	}
	return nil
}

// whereValues flattens a where clause and its nested and conditions into a
// column to value map.
func whereValues(doc gjson.Result) map[string]gjson.Result {
	out := make(map[string]gjson.Result)
	for w := doc.Get("where"); w.Exists(); w = w.Get("and") {
		if col := w.Get("column").String(); col != "" {
			out[col] = w.Get("value")
		}
	}
	return out
}

// boolish interprets the bool encodings that arrive from the storage
// layer: native booleans, "t"/"f" and "true"/"false".
func boolish(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	default:
		s := strings.ToLower(v.String())
		return s == "t" || s == "true" || s == "1"
	}
}
