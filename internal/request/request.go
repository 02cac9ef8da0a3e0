// Package request defines the control requests the dispatcher queues and
// executes: setpoint writes and operations addressed to a service, an
// asset's ingest service, every south service, or a control script.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/script"
)

// Executor is what a request needs from the dispatcher to run: pipeline
// filtering, service resolution and outbound delivery.
type Executor interface {
	// FilterValues runs the values through the best matching pipeline for
	// the endpoints. ok is false when the pipeline suppressed the request.
	FilterValues(ctx context.Context, source, dest endpoint.Endpoint, values kvlist.KVList) (out kvlist.KVList, ok bool)
	ServiceByName(ctx context.Context, name string) (*registry.ServiceRecord, error)
	AssetService(ctx context.Context, asset string) (*registry.ServiceRecord, error)
	SouthboundServices(ctx context.Context) ([]registry.ServiceRecord, error)
	SendSetpoint(ctx context.Context, service *registry.ServiceRecord, caller script.Caller, values kvlist.KVList) error
	SendOperation(ctx context.Context, service *registry.ServiceRecord, caller script.Caller, operation string, params kvlist.KVList) error
	RunScript(ctx context.Context, name string, params kvlist.KVList, caller script.Caller) error
}

// SourceEndpoint derives the pipeline matching endpoint from a caller's
// advisory identity. Unknown source types match any pipeline source.
func SourceEndpoint(caller script.Caller) endpoint.Endpoint {
	switch caller.SourceType {
	case "service", "Service", "Southbound", "Northbound":
		return endpoint.New(endpoint.KindService, caller.SourceName)
	case "api", "API":
		return endpoint.New(endpoint.KindAPI, "")
	case "notification", "Notification":
		return endpoint.New(endpoint.KindNotification, "")
	case "schedule", "Schedule":
		return endpoint.New(endpoint.KindSchedule, caller.SourceName)
	case "script", "Script":
		return endpoint.New(endpoint.KindScript, caller.SourceName)
	default:
		return endpoint.Any()
	}
}

// Request is one queued unit of control work.
type Request interface {
	ID() string
	Caller() script.Caller
	// Source is the endpoint the request originated from, used for
	// pipeline matching.
	Source() endpoint.Endpoint
	Execute(ctx context.Context, ex Executor) error
}

type base struct {
	id     string
	caller script.Caller
	source endpoint.Endpoint
}

func newBase(caller script.Caller, source endpoint.Endpoint) base {
	return base{id: uuid.NewString(), caller: caller, source: source}
}

func (b base) ID() string                { return b.id }
func (b base) Caller() script.Caller     { return b.caller }
func (b base) Source() endpoint.Endpoint { return b.source }

// WriteService writes setpoint values to one named south service.
type WriteService struct {
	base
	Service string
	Values  kvlist.KVList
}

func NewWriteService(caller script.Caller, source endpoint.Endpoint, service string, values kvlist.KVList) *WriteService {
	return &WriteService{base: newBase(caller, source), Service: service, Values: values}
}

func (r *WriteService) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindService, r.Service)
	values, ok := ex.FilterValues(ctx, r.source, dest, r.Values)
	if !ok {
		return nil
	}
	svc, err := ex.ServiceByName(ctx, r.Service)
	if err != nil {
		return fmt.Errorf("write to service %q: %w", r.Service, err)
	}
	return ex.SendSetpoint(ctx, svc, r.caller, values)
}

// WriteAsset writes setpoint values to the service ingesting an asset.
type WriteAsset struct {
	base
	Asset  string
	Values kvlist.KVList
}

func NewWriteAsset(caller script.Caller, source endpoint.Endpoint, asset string, values kvlist.KVList) *WriteAsset {
	return &WriteAsset{base: newBase(caller, source), Asset: asset, Values: values}
}

func (r *WriteAsset) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindAsset, r.Asset)
	values, ok := ex.FilterValues(ctx, r.source, dest, r.Values)
	if !ok {
		return nil
	}
	svc, err := ex.AssetService(ctx, r.Asset)
	if err != nil {
		return fmt.Errorf("write to asset %q: %w", r.Asset, err)
	}
	return ex.SendSetpoint(ctx, svc, r.caller, values)
}

// WriteBroadcast writes setpoint values to every south service. Delivery
// failures are isolated per recipient.
type WriteBroadcast struct {
	base
	Values kvlist.KVList
}

func NewWriteBroadcast(caller script.Caller, source endpoint.Endpoint, values kvlist.KVList) *WriteBroadcast {
	return &WriteBroadcast{base: newBase(caller, source), Values: values}
}

func (r *WriteBroadcast) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindBroadcast, "")
	values, ok := ex.FilterValues(ctx, r.source, dest, r.Values)
	if !ok {
		return nil
	}
	services, err := ex.SouthboundServices(ctx)
	if err != nil {
		return fmt.Errorf("broadcast write: %w", err)
	}
	var failures []error
	for i := range services {
		if err := ex.SendSetpoint(ctx, &services[i], r.caller, values); err != nil {
			slog.Warn("broadcast write failed for service",
				slog.String("service", services[i].Name), slog.Any("error", err))
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// WriteScript runs a control script with the written values as its
// parameters.
type WriteScript struct {
	base
	Script string
	Values kvlist.KVList
}

func NewWriteScript(caller script.Caller, source endpoint.Endpoint, name string, values kvlist.KVList) *WriteScript {
	return &WriteScript{base: newBase(caller, source), Script: name, Values: values}
}

func (r *WriteScript) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindScript, r.Script)
	values, ok := ex.FilterValues(ctx, r.source, dest, r.Values)
	if !ok {
		return nil
	}
	return ex.RunScript(ctx, r.Script, values, r.caller)
}

// OperationService invokes an operation on one named south service.
type OperationService struct {
	base
	Operation string
	Service   string
	Params    kvlist.KVList
}

func NewOperationService(caller script.Caller, source endpoint.Endpoint, operation, service string, params kvlist.KVList) *OperationService {
	return &OperationService{base: newBase(caller, source), Operation: operation, Service: service, Params: params}
}

func (r *OperationService) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindService, r.Service)
	params, ok := ex.FilterValues(ctx, r.source, dest, r.Params)
	if !ok {
		return nil
	}
	svc, err := ex.ServiceByName(ctx, r.Service)
	if err != nil {
		return fmt.Errorf("operation %q on service %q: %w", r.Operation, r.Service, err)
	}
	return ex.SendOperation(ctx, svc, r.caller, r.Operation, params)
}

// OperationAsset invokes an operation on the service ingesting an asset.
type OperationAsset struct {
	base
	Operation string
	Asset     string
	Params    kvlist.KVList
}

func NewOperationAsset(caller script.Caller, source endpoint.Endpoint, operation, asset string, params kvlist.KVList) *OperationAsset {
	return &OperationAsset{base: newBase(caller, source), Operation: operation, Asset: asset, Params: params}
}

func (r *OperationAsset) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindAsset, r.Asset)
	params, ok := ex.FilterValues(ctx, r.source, dest, r.Params)
	if !ok {
		return nil
	}
	svc, err := ex.AssetService(ctx, r.Asset)
	if err != nil {
		return fmt.Errorf("operation %q on asset %q: %w", r.Operation, r.Asset, err)
	}
	return ex.SendOperation(ctx, svc, r.caller, r.Operation, params)
}

// OperationBroadcast invokes an operation on every south service. Delivery
// failures are isolated per recipient.
type OperationBroadcast struct {
	base
	Operation string
	Params    kvlist.KVList
}

func NewOperationBroadcast(caller script.Caller, source endpoint.Endpoint, operation string, params kvlist.KVList) *OperationBroadcast {
	return &OperationBroadcast{base: newBase(caller, source), Operation: operation, Params: params}
}

func (r *OperationBroadcast) Execute(ctx context.Context, ex Executor) error {
	dest := endpoint.New(endpoint.KindBroadcast, "")
	params, ok := ex.FilterValues(ctx, r.source, dest, r.Params)
	if !ok {
		return nil
	}
	services, err := ex.SouthboundServices(ctx)
	if err != nil {
		return fmt.Errorf("broadcast operation %q: %w", r.Operation, err)
	}
	var failures []error
	for i := range services {
		if err := ex.SendOperation(ctx, &services[i], r.caller, r.Operation, params); err != nil {
			slog.Warn("broadcast operation failed for service",
				slog.String("service", services[i].Name),
				slog.String("operation", r.Operation),
				slog.Any("error", err))
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
