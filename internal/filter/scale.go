package filter

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/reading"
)

func init() {
	Register("scale", Factory{
		New: func(log *slog.Logger) Plugin { return &scalePlugin{log: log} },
		Defaults: json.RawMessage(`{
			"plugin": {"description": "Scale numeric control datapoints", "type": "string", "default": "scale", "value": "scale", "readonly": "true"},
			"factor": {"description": "Multiplier applied to numeric values", "type": "float", "default": "1.0", "value": "1.0"},
			"offset": {"description": "Offset added after scaling", "type": "float", "default": "0.0", "value": "0.0"},
			"datapoint": {"description": "Restrict scaling to this datapoint, empty for all", "type": "string", "default": "", "value": ""}
		}`),
	})
}

// scalePlugin applies value*factor+offset to numeric datapoints, optionally
// restricted to a single datapoint name.
type scalePlugin struct {
	log         *slog.Logger
	factor      float64
	offset      float64
	datapoint   string
	next        NextFn
	initialised bool
}

func (p *scalePlugin) Init(cfg configstore.Category, next NextFn) error {
	if p.initialised {
		return ErrAlreadyInitialised
	}
	p.configure(cfg)
	p.next = next
	p.initialised = true
	return nil
}

func (p *scalePlugin) configure(cfg configstore.Category) {
	p.factor = cast.ToFloat64(cfg.Value("factor"))
	if p.factor == 0 {
		p.factor = 1
	}
	p.offset = cast.ToFloat64(cfg.Value("offset"))
	p.datapoint = cfg.Value("datapoint")
}

func (p *scalePlugin) Ingest(set *reading.Set) {
	if !p.initialised {
		return
	}
	for _, r := range set.Readings {
		for i, dp := range r.Datapoints {
			if p.datapoint != "" && dp.Name != p.datapoint {
				continue
			}
			switch v := dp.Value.(type) {
			case int64:
				r.Datapoints[i].Value = float64(v)*p.factor + p.offset
			case float64:
				r.Datapoints[i].Value = v*p.factor + p.offset
			}
		}
	}
	p.next(set)
}

func (p *scalePlugin) Reconfigure(raw json.RawMessage) {
	cfg, err := configstore.ParseCategory("scale", raw)
	if err != nil {
		p.log.Error("scale filter reconfigure failed", slog.Any("error", err))
		return
	}
	p.configure(cfg)
}

func (p *scalePlugin) Shutdown() {
	p.initialised = false
	p.next = nil
}
