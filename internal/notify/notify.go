// Package notify consumes change notifications over NATS: control table
// inserts, updates and deletes, and configuration category changes. It is
// the push path that keeps the dispatcher's in-memory state current.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
)

// Subjects the dispatcher listens on. The table subjects carry the
// operation and table name as tokens; config subjects carry the category.
const (
	tableSubjects  = "dispatch.table.>"
	configSubjects = "dispatch.config.>"
)

const drainTimeout = 5 * time.Second

// TableHandler receives control table changes.
type TableHandler interface {
	HandleInsert(ctx context.Context, table string, doc []byte)
	HandleUpdate(ctx context.Context, table string, doc []byte)
	HandleDelete(ctx context.Context, table string, doc []byte)
}

// ConfigHandler receives configuration category changes.
type ConfigHandler interface {
	ConfigChange(name string, raw json.RawMessage)
}

// ScriptInvalidator drops cached scripts when their tables change.
type ScriptInvalidator interface {
	Invalidate(name string)
}

type Consumer struct {
	log     *slog.Logger
	conn    *nats.Conn
	tables  TableHandler
	config  ConfigHandler
	scripts ScriptInvalidator
	subs    []*nats.Subscription
}

func NewConsumer(url, name string, tables TableHandler, config ConfigHandler, scripts ScriptInvalidator, log *slog.Logger) (*Consumer, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("notification bus disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("notification bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to notification bus: %w", err)
	}
	return &Consumer{
		log:     log,
		conn:    conn,
		tables:  tables,
		config:  config,
		scripts: scripts,
	}, nil
}

// Start subscribes to the table and config subjects. Messages are handled
// on the NATS delivery goroutine; handlers are expected to be quick.
func (c *Consumer) Start(ctx context.Context) error {
	tableSub, err := c.conn.Subscribe(tableSubjects, func(msg *nats.Msg) {
		c.handleTable(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to table changes: %w", err)
	}
	configSub, err := c.conn.Subscribe(configSubjects, func(msg *nats.Msg) {
		c.handleConfig(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to config changes: %w", err)
	}
	c.subs = append(c.subs, tableSub, configSub)
	c.log.Info("listening for change notifications")
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("cannot drain subscription", slog.Any("error", err))
		}
	}
	deadline := time.After(drainTimeout)
	for c.conn.NumSubscriptions() > 0 {
		select {
		case <-deadline:
			c.conn.Close()
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	c.conn.Close()
}

// handleTable routes dispatch.table.<operation>.<table> messages.
func (c *Consumer) handleTable(ctx context.Context, msg *nats.Msg) {
	tokens := strings.Split(msg.Subject, ".")
	if len(tokens) < 4 {
		c.log.Warn("malformed table change subject", slog.String("subject", msg.Subject))
		return
	}
	operation, table := tokens[2], tokens[3]

	c.log.Debug("table change received",
		slog.String("operation", operation), slog.String("table", table))

	switch operation {
	case "insert":
		c.tables.HandleInsert(ctx, table, msg.Data)
	case "update":
		c.tables.HandleUpdate(ctx, table, msg.Data)
	case "delete":
		c.tables.HandleDelete(ctx, table, msg.Data)
	default:
		c.log.Warn("unknown table change operation", slog.String("subject", msg.Subject))
		return
	}

	// Script and ACL rows are cached by the script engine; any change on
	// those tables invalidates the cache.
	if c.scripts != nil && (table == "control_script" || table == "control_acl") {
		c.scripts.Invalidate(changedName(msg.Data))
	}
}

func (c *Consumer) handleConfig(msg *nats.Msg) {
	tokens := strings.Split(msg.Subject, ".")
	if len(tokens) < 3 {
		c.log.Warn("malformed config change subject", slog.String("subject", msg.Subject))
		return
	}
	category := strings.Join(tokens[2:], ".")
	c.config.ConfigChange(category, json.RawMessage(msg.Data))
}

// changedName extracts the row name from an insert document or a
// {values, where} envelope. An empty name invalidates everything.
func changedName(doc []byte) string {
	parsed := gjson.ParseBytes(doc)
	if name := parsed.Get("name").String(); name != "" {
		return name
	}
	for w := parsed.Get("where"); w.Exists(); w = w.Get("and") {
		if w.Get("column").String() == "name" {
			return w.Get("value").String()
		}
	}
	return ""
}
