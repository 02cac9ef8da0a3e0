// Package storage reads the control tables the dispatcher depends on:
// pipelines, their filters, endpoint type lookups, scripts and ACLs. The
// dispatcher only ever reads; the tables are owned by the core service.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// PipelineRow is one row of control_pipelines.
type PipelineRow struct {
	ID           int64
	Name         string
	SourceTypeID int64
	SourceName   string
	DestTypeID   int64
	DestName     string
	Enabled      bool
	Execution    string
}

// EndpointTypeRow is one row of control_source or control_destination.
type EndpointTypeRow struct {
	ID          int64
	Name        string
	Description string
}

// ScriptRow is one row of control_script. Steps is the raw steps column,
// either a JSON array or a string containing one.
type ScriptRow struct {
	Name  string
	Steps []byte
	ACL   string
}

// ACLRow is one row of control_acl with its raw JSON arrays.
type ACLRow struct {
	Name    string
	Service []byte
	URL     []byte
}

type Client interface {
	Pipelines(ctx context.Context) ([]PipelineRow, error)
	PipelineByName(ctx context.Context, name string) (*PipelineRow, error)
	// Filters returns the filter category names of a pipeline ordered by
	// forder ascending.
	Filters(ctx context.Context, pipelineID int64) ([]string, error)
	SourceTypes(ctx context.Context) ([]EndpointTypeRow, error)
	DestinationTypes(ctx context.Context) ([]EndpointTypeRow, error)
	Script(ctx context.Context, name string) (*ScriptRow, error)
	ACL(ctx context.Context, name string) (*ACLRow, error)
}
