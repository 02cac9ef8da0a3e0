// Package filter defines the control filter plugin contract and the process
// registry through which pipeline execution contexts discover plugins by
// name. Built-in plugins register themselves at init time.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/reading"
)

// ErrAlreadyInitialised is returned by Init when a plugin is re-initialised
// without an intervening Shutdown. Re-init requires prior shutdown.
var ErrAlreadyInitialised = errors.New("plugin already initialised")

// NextFn forwards a reading set to the following stage of a pipeline.
type NextFn func(*reading.Set)

// Plugin is a loaded control filter. A plugin transforms the ingested
// reading set and passes it on to the next stage it was wired to at Init.
type Plugin interface {
	Init(cfg configstore.Category, next NextFn) error
	Ingest(set *reading.Set)
	Reconfigure(raw json.RawMessage)
	Shutdown()
}

// Factory describes a named plugin: how to construct an instance and the
// default configuration registered with the config store on first load.
type Factory struct {
	New      func(log *slog.Logger) Plugin
	Defaults json.RawMessage
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a plugin available for discovery by name. Registering the
// same name twice panics; plugin names are process-wide.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("filter: plugin %q registered twice", name))
	}
	registry[name] = f
}

// Lookup returns the factory for the named plugin.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names returns the registered plugin names in lexicographic order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
