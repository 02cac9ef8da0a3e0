// Package dispatcher implements the control dispatcher service: a FIFO
// queue of control requests drained by a pool of workers, each request
// filtered through the matching control pipeline before delivery.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/metrics"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/request"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/southbound"
)

const (
	serviceType = "Dispatcher"

	defaultWorkers = 2
)

// defaultConfig is the dispatcher's own configuration category, registered
// with the config store at startup.
var defaultConfig = json.RawMessage(`{
	"enable": {"description": "Enable the control dispatcher", "type": "boolean", "default": "true", "value": "true"},
	"dispatcherThreads": {"description": "Number of request worker threads", "type": "integer", "default": "2", "value": "2"},
	"logLevel": {"description": "Minimum log level", "type": "string", "default": "info", "value": "info"}
}`)

// Options carries the static identity of the service instance.
type Options struct {
	Name           string
	Address        string
	Port           int
	ManagementPort int
	Token          string
}

// Service is the dispatcher: it owns the request queue, the worker pool,
// the pipeline manager and the outbound clients.
type Service struct {
	log      *slog.Logger
	logLevel *slog.LevelVar
	opts     Options

	reg    registry.Client
	cfg    configstore.Client
	mgr    *pipeline.Manager
	south  *southbound.Client
	engine *script.Engine
	met    *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []request.Request
	stopped bool
	enabled bool

	workers        sync.WaitGroup
	runCtx         context.Context
	cancel         context.CancelFunc
	registrationID string
}

var (
	_ request.Executor  = (*Service)(nil)
	_ script.Dispatcher = (*Service)(nil)
)

func New(opts Options, reg registry.Client, cfg configstore.Client, mgr *pipeline.Manager,
	south *southbound.Client, met *metrics.Metrics, logLevel *slog.LevelVar, log *slog.Logger) *Service {
	s := &Service{
		log:      log,
		logLevel: logLevel,
		opts:     opts,
		reg:      reg,
		cfg:      cfg,
		mgr:      mgr,
		south:    south,
		met:      met,
		enabled:  true,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetScriptEngine injects the script engine. The engine dispatches through
// the service, so it is built after it.
func (s *Service) SetScriptEngine(engine *script.Engine) {
	s.engine = engine
}

// ScriptEngine returns the injected engine, for table change wiring.
func (s *Service) ScriptEngine() *script.Engine {
	return s.engine
}

// Start registers the service, loads its configuration and every pipeline,
// and only then starts the worker pool.
func (s *Service) Start(ctx context.Context) error {
	id, err := s.reg.Register(ctx, registry.Registration{
		Name:        s.opts.Name,
		Type:        serviceType,
		Address:     s.opts.Address,
		Port:        s.opts.Port,
		ManagementP: s.opts.ManagementPort,
		Protocol:    "http",
		Token:       s.opts.Token,
	})
	if err != nil {
		return fmt.Errorf("register with core: %w", err)
	}
	s.registrationID = id

	workers, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}

	// Pipelines must be in place before the first request is taken off the
	// queue.
	if err := s.mgr.Load(ctx); err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker(i)
	}
	s.log.Info("control dispatcher started",
		slog.String("name", s.opts.Name), slog.Int("workers", workers))
	return nil
}

// loadConfig registers the service's own category and applies it, returning
// the worker count.
func (s *Service) loadConfig(ctx context.Context) (int, error) {
	description := "Configuration of the control dispatcher service"
	if err := s.cfg.CreateCategory(ctx, s.opts.Name, description, defaultConfig, true); err != nil {
		return 0, fmt.Errorf("register configuration: %w", err)
	}
	cat, err := s.cfg.GetCategory(ctx, s.opts.Name)
	if err != nil {
		return 0, fmt.Errorf("fetch configuration: %w", err)
	}
	if err := s.cfg.RegisterInterest(ctx, s.opts.Name); err != nil {
		s.log.Warn("cannot register interest in own category", slog.Any("error", err))
	}
	s.applyConfig(cat)

	workers := defaultWorkers
	if v := cat.Value("dispatcherThreads"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			workers = n
		}
	}
	if workers < 1 {
		workers = 1
	}
	return workers, nil
}

// applyConfig applies the dynamic items of the service category: the
// enable gate and the log level.
func (s *Service) applyConfig(cat configstore.Category) {
	if cat.Exists("enable") {
		enabled := strings.EqualFold(cat.Value("enable"), "true")
		s.mu.Lock()
		changed := s.enabled != enabled
		s.enabled = enabled
		s.mu.Unlock()
		if changed {
			s.log.Warn("control dispatching toggled", slog.Bool("enabled", enabled))
		}
	}
	if cat.Exists("logLevel") {
		s.logLevel.Set(parseLevel(cat.Value("logLevel")))
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Stop drains the queue and stops the workers. With removeFromCore the
// service also unregisters; without it the registration is kept so the
// supervisor can respawn the process in place.
func (s *Service) Stop(ctx context.Context, removeFromCore bool) {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.workers.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.mgr.Shutdown()

	if removeFromCore && s.registrationID != "" {
		if err := s.reg.Unregister(ctx, s.registrationID); err != nil {
			s.log.Warn("cannot unregister from core", slog.Any("error", err))
		}
	}
	s.log.Info("control dispatcher stopped",
		slog.String("name", s.opts.Name), slog.Bool("removed", removeFromCore))
}

// Queue appends a request to the FIFO queue. It never blocks and never
// drops; requests queued while the service is stopping are drained only
// while a worker is still running. The enable gate acts at delivery time,
// not here.
func (s *Service) Queue(req request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, req)
	s.met.Queued.Inc()
	s.met.QueueDepth.Set(float64(len(s.queue)))
	s.cond.Signal()
}

// nextRequest blocks until a request is available or the service stops.
// A stopped service still drains what is already queued.
func (s *Service) nextRequest() request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.stopped {
			return nil
		}
		s.cond.Wait()
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	s.met.QueueDepth.Set(float64(len(s.queue)))
	return req
}

func (s *Service) worker(id int) {
	defer s.workers.Done()
	log := s.log.With(slog.Int("worker", id))
	for {
		req := s.nextRequest()
		if req == nil {
			return
		}
		s.met.Executed.Inc()
		log.Debug("executing control request", slog.String("id", req.ID()))

		outcome := "ok"
		if err := req.Execute(s.runCtx, s); err != nil {
			outcome = "error"
			log.Error("control request failed",
				slog.String("id", req.ID()), slog.Any("error", err))
		}
		s.met.Outcomes.WithLabelValues(requestType(req), outcome).Inc()
	}
}

func requestType(req request.Request) string {
	switch req.(type) {
	case *request.WriteService:
		return "write_service"
	case *request.WriteAsset:
		return "write_asset"
	case *request.WriteBroadcast:
		return "write_broadcast"
	case *request.WriteScript:
		return "write_script"
	case *request.OperationService:
		return "operation_service"
	case *request.OperationAsset:
		return "operation_asset"
	case *request.OperationBroadcast:
		return "operation_broadcast"
	default:
		return "unknown"
	}
}

// ConfigChange routes a category change notification: the service's own
// category, a filter category, or neither.
func (s *Service) ConfigChange(name string, raw json.RawMessage) {
	if name == s.opts.Name {
		cat, err := configstore.ParseCategory(name, raw)
		if err != nil {
			s.log.Error("cannot parse configuration change", slog.Any("error", err))
			return
		}
		s.applyConfig(cat)
		return
	}
	if s.mgr.CategoryChanged(name, raw) {
		return
	}
	s.log.Debug("configuration change with no listener", slog.String("category", name))
}

// FilterValues implements request.Executor: it runs the values through the
// best matching enabled pipeline. ok is false when the pipeline suppressed
// the request.
func (s *Service) FilterValues(ctx context.Context, source, dest endpoint.Endpoint, values kvlist.KVList) (kvlist.KVList, bool) {
	p := s.mgr.FindPipeline(source, dest)
	if p == nil {
		return values, true
	}
	if !p.Enabled() {
		s.log.Debug("pipeline disabled, passing request through",
			slog.String("pipeline", p.Name()))
		return values, true
	}

	out := p.ExecutionContext(source, dest).Filter(ctx, values.ToReading("reading"))
	if out == nil {
		s.met.Dropped.Inc()
		return kvlist.KVList{}, false
	}
	return kvlist.FromReading(out), true
}

func (s *Service) ServiceByName(ctx context.Context, name string) (*registry.ServiceRecord, error) {
	return s.reg.GetService(ctx, name)
}

func (s *Service) AssetService(ctx context.Context, asset string) (*registry.ServiceRecord, error) {
	return s.reg.GetAssetIngestService(ctx, asset)
}

func (s *Service) SouthboundServices(ctx context.Context) ([]registry.ServiceRecord, error) {
	return s.reg.GetServicesByType(ctx, "Southbound")
}

func (s *Service) SendSetpoint(ctx context.Context, svc *registry.ServiceRecord, caller script.Caller, values kvlist.KVList) error {
	if !s.Enabled() {
		s.log.Warn("control dispatching is disabled, setpoint not delivered",
			slog.String("service", svc.Name))
		return fmt.Errorf("control dispatching is disabled")
	}
	return s.south.Setpoint(ctx, svc.BaseURL(), s.origin(caller), values)
}

func (s *Service) SendOperation(ctx context.Context, svc *registry.ServiceRecord, caller script.Caller, operation string, params kvlist.KVList) error {
	if !s.Enabled() {
		s.log.Warn("control dispatching is disabled, operation not delivered",
			slog.String("service", svc.Name), slog.String("operation", operation))
		return fmt.Errorf("control dispatching is disabled")
	}
	return s.south.Operation(ctx, svc.BaseURL(), s.origin(caller), operation, params)
}

// origin advertises the original caller to the receiving service, falling
// back to the dispatcher's own identity.
func (s *Service) origin(caller script.Caller) southbound.Origin {
	o := southbound.Origin{Name: caller.SourceName, Type: caller.SourceType}
	if o.Name == "" {
		o.Name = s.opts.Name
		o.Type = serviceType
	}
	return o
}

func (s *Service) RunScript(ctx context.Context, name string, params kvlist.KVList, caller script.Caller) error {
	if s.engine == nil {
		return fmt.Errorf("no script engine configured")
	}
	return s.engine.Run(ctx, name, params, caller)
}

// Setpoint implements script.Dispatcher: script write steps run through the
// same request types as queued requests, synchronously.
func (s *Service) Setpoint(ctx context.Context, caller script.Caller, dest script.Destination, values kvlist.KVList) error {
	source := endpoint.New(endpoint.KindScript, "")
	switch {
	case dest.Service != "":
		return request.NewWriteService(caller, source, dest.Service, values).Execute(ctx, s)
	case dest.Asset != "":
		return request.NewWriteAsset(caller, source, dest.Asset, values).Execute(ctx, s)
	default:
		return request.NewWriteBroadcast(caller, source, values).Execute(ctx, s)
	}
}

// Operation implements script.Dispatcher.
func (s *Service) Operation(ctx context.Context, caller script.Caller, dest script.Destination, operation string, params kvlist.KVList) error {
	source := endpoint.New(endpoint.KindScript, "")
	switch {
	case dest.Service != "":
		return request.NewOperationService(caller, source, operation, dest.Service, params).Execute(ctx, s)
	case dest.Asset != "":
		return request.NewOperationAsset(caller, source, operation, dest.Asset, params).Execute(ctx, s)
	default:
		return request.NewOperationBroadcast(caller, source, operation, params).Execute(ctx, s)
	}
}

// SetConfig implements script.Dispatcher: config script steps write through
// the configuration store.
func (s *Service) SetConfig(ctx context.Context, category, item, value string) error {
	return s.cfg.SetItem(ctx, category, item, value)
}

// Enabled reports whether control dispatching is currently enabled.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// QueueDepth returns the number of requests currently waiting.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
