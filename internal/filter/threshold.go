package filter

import (
	"encoding/json"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/reading"
)

func init() {
	Register("threshold", Factory{
		New: func(log *slog.Logger) Plugin { return &thresholdPlugin{log: log} },
		Defaults: json.RawMessage(`{
			"plugin": {"description": "Drop control requests matching a predicate", "type": "string", "default": "threshold", "value": "threshold", "readonly": "true"},
			"expression": {"description": "Predicate; readings it evaluates true for are removed", "type": "string", "default": "false", "value": "false"}
		}`),
	})
}

// thresholdPlugin removes readings for which the configured predicate holds.
// Removing every reading suppresses the control request entirely.
type thresholdPlugin struct {
	log         *slog.Logger
	program     *vm.Program
	next        NextFn
	initialised bool
}

func (p *thresholdPlugin) Init(cfg configstore.Category, next NextFn) error {
	if p.initialised {
		return ErrAlreadyInitialised
	}
	if err := p.compile(cfg.Value("expression")); err != nil {
		return err
	}
	p.next = next
	p.initialised = true
	return nil
}

func (p *thresholdPlugin) compile(source string) error {
	if source == "" {
		source = "false"
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return err
	}
	p.program = program
	return nil
}

func (p *thresholdPlugin) Ingest(set *reading.Set) {
	if !p.initialised {
		return
	}
	kept := set.Readings[:0]
	for _, r := range set.Readings {
		result, err := expr.Run(p.program, datapointEnv(r))
		if err != nil {
			p.log.Error("threshold filter evaluation failed",
				slog.String("asset", r.Asset), slog.Any("error", err))
			kept = append(kept, r)
			continue
		}
		if !cast.ToBool(result) {
			kept = append(kept, r)
		}
	}
	set.Readings = kept
	p.next(set)
}

func (p *thresholdPlugin) Reconfigure(raw json.RawMessage) {
	cfg, err := configstore.ParseCategory("threshold", raw)
	if err != nil {
		p.log.Error("threshold filter reconfigure failed", slog.Any("error", err))
		return
	}
	if err := p.compile(cfg.Value("expression")); err != nil {
		p.log.Error("threshold filter compile failed", slog.Any("error", err))
	}
}

func (p *thresholdPlugin) Shutdown() {
	p.initialised = false
	p.next = nil
}
