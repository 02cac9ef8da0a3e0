package filter

import (
	"encoding/json"
	"log/slog"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/reading"
)

func init() {
	Register("rename", Factory{
		New: func(log *slog.Logger) Plugin { return &renamePlugin{log: log} },
		Defaults: json.RawMessage(`{
			"plugin": {"description": "Rename a control datapoint", "type": "string", "default": "rename", "value": "rename", "readonly": "true"},
			"find": {"description": "Datapoint name to find", "type": "string", "default": "", "value": ""},
			"replace": {"description": "Replacement datapoint name", "type": "string", "default": "", "value": ""}
		}`),
	})
}

// renamePlugin renames every datapoint called "find" to "replace".
type renamePlugin struct {
	log         *slog.Logger
	find        string
	replace     string
	next        NextFn
	initialised bool
}

func (p *renamePlugin) Init(cfg configstore.Category, next NextFn) error {
	if p.initialised {
		return ErrAlreadyInitialised
	}
	p.find = cfg.Value("find")
	p.replace = cfg.Value("replace")
	p.next = next
	p.initialised = true
	return nil
}

func (p *renamePlugin) Ingest(set *reading.Set) {
	if !p.initialised {
		return
	}
	if p.find != "" && p.replace != "" {
		for _, r := range set.Readings {
			for i := range r.Datapoints {
				if r.Datapoints[i].Name == p.find {
					r.Datapoints[i].Name = p.replace
				}
			}
		}
	}
	p.next(set)
}

func (p *renamePlugin) Reconfigure(raw json.RawMessage) {
	cfg, err := configstore.ParseCategory("rename", raw)
	if err != nil {
		p.log.Error("rename filter reconfigure failed", slog.Any("error", err))
		return
	}
	p.find = cfg.Value("find")
	p.replace = cfg.Value("replace")
}

func (p *renamePlugin) Shutdown() {
	p.initialised = false
	p.next = nil
}
