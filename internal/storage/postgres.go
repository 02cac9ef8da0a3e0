package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 5
	connectDelay    = 2 * time.Second
)

// Postgres implements Client against the storage service database.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ Client = (*Postgres)(nil)

func NewPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}

	var pool *pgxpool.Pool
	err = retry.Do(
		func() error {
			var err error
			pool, err = pgxpool.NewWithConfig(ctx, cfg)
			if err != nil {
				return err
			}
			if err = pool.Ping(ctx); err != nil {
				pool.Close()
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying storage connection",
				slog.Uint64("attempt", uint64(n)+1),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to storage: %w", err)
	}

	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Pipelines(ctx context.Context) ([]PipelineRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT cpid, name, stype, COALESCE(sname, ''), dtype, COALESCE(dname, ''), enabled, execution
		 FROM control_pipelines`)
	if err != nil {
		return nil, fmt.Errorf("query control_pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []PipelineRow
	for rows.Next() {
		var r PipelineRow
		if err := rows.Scan(&r.ID, &r.Name, &r.SourceTypeID, &r.SourceName,
			&r.DestTypeID, &r.DestName, &r.Enabled, &r.Execution); err != nil {
			return nil, fmt.Errorf("scan control_pipelines row: %w", err)
		}
		pipelines = append(pipelines, r)
	}
	return pipelines, rows.Err()
}

func (p *Postgres) PipelineByName(ctx context.Context, name string) (*PipelineRow, error) {
	var r PipelineRow
	err := p.pool.QueryRow(ctx,
		`SELECT cpid, name, stype, COALESCE(sname, ''), dtype, COALESCE(dname, ''), enabled, execution
		 FROM control_pipelines WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.SourceTypeID, &r.SourceName,
			&r.DestTypeID, &r.DestName, &r.Enabled, &r.Execution)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pipeline %q: %w", name, err)
	}
	return &r, nil
}

func (p *Postgres) Filters(ctx context.Context, pipelineID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT fname FROM control_filters WHERE cpid = $1 ORDER BY forder`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query control_filters: %w", err)
	}
	defer rows.Close()

	var filters []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan control_filters row: %w", err)
		}
		filters = append(filters, name)
	}
	return filters, rows.Err()
}

func (p *Postgres) SourceTypes(ctx context.Context) ([]EndpointTypeRow, error) {
	return p.endpointTypes(ctx,
		`SELECT cpsid, name, COALESCE(description, '') FROM control_source`)
}

func (p *Postgres) DestinationTypes(ctx context.Context) ([]EndpointTypeRow, error) {
	return p.endpointTypes(ctx,
		`SELECT cpdid, name, COALESCE(description, '') FROM control_destination`)
}

func (p *Postgres) endpointTypes(ctx context.Context, query string) ([]EndpointTypeRow, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query endpoint types: %w", err)
	}
	defer rows.Close()

	var types []EndpointTypeRow
	for rows.Next() {
		var r EndpointTypeRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("scan endpoint type row: %w", err)
		}
		types = append(types, r)
	}
	return types, rows.Err()
}

func (p *Postgres) Script(ctx context.Context, name string) (*ScriptRow, error) {
	var r ScriptRow
	err := p.pool.QueryRow(ctx,
		`SELECT name, steps, COALESCE(acl, '') FROM control_script WHERE name = $1`, name).
		Scan(&r.Name, &r.Steps, &r.ACL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("script %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query script %q: %w", name, err)
	}
	return &r, nil
}

func (p *Postgres) ACL(ctx context.Context, name string) (*ACLRow, error) {
	var r ACLRow
	err := p.pool.QueryRow(ctx,
		`SELECT name, service, url FROM control_acl WHERE name = $1`, name).
		Scan(&r.Name, &r.Service, &r.URL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acl %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query acl %q: %w", name, err)
	}
	return &r, nil
}
