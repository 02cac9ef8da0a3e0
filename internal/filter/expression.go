package filter

import (
	"encoding/json"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/reading"
)

func init() {
	Register("expression", Factory{
		New: func(log *slog.Logger) Plugin { return &expressionPlugin{log: log} },
		Defaults: json.RawMessage(`{
			"plugin": {"description": "Evaluate an expression over the control values", "type": "string", "default": "expression", "value": "expression", "readonly": "true"},
			"expression": {"description": "Expression evaluated against the datapoint values", "type": "string", "default": "", "value": ""},
			"datapoint": {"description": "Datapoint the result is written to", "type": "string", "default": "result", "value": "result"}
		}`),
	})
}

// expressionPlugin evaluates a compiled expr program against the datapoint
// values of each reading and writes the result to a named datapoint.
type expressionPlugin struct {
	log         *slog.Logger
	program     *vm.Program
	datapoint   string
	next        NextFn
	initialised bool
}

func (p *expressionPlugin) Init(cfg configstore.Category, next NextFn) error {
	if p.initialised {
		return ErrAlreadyInitialised
	}
	if err := p.compile(cfg.Value("expression")); err != nil {
		return err
	}
	p.datapoint = cfg.Value("datapoint")
	if p.datapoint == "" {
		p.datapoint = "result"
	}
	p.next = next
	p.initialised = true
	return nil
}

func (p *expressionPlugin) compile(source string) error {
	if source == "" {
		p.program = nil
		return nil
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return err
	}
	p.program = program
	return nil
}

func (p *expressionPlugin) Ingest(set *reading.Set) {
	if !p.initialised {
		return
	}
	if p.program == nil {
		p.next(set)
		return
	}
	for _, r := range set.Readings {
		env := datapointEnv(r)
		result, err := expr.Run(p.program, env)
		if err != nil {
			p.log.Error("expression filter evaluation failed",
				slog.String("asset", r.Asset), slog.Any("error", err))
			continue
		}
		writeDatapoint(r, p.datapoint, result)
	}
	p.next(set)
}

func (p *expressionPlugin) Reconfigure(raw json.RawMessage) {
	cfg, err := configstore.ParseCategory("expression", raw)
	if err != nil {
		p.log.Error("expression filter reconfigure failed", slog.Any("error", err))
		return
	}
	if err := p.compile(cfg.Value("expression")); err != nil {
		p.log.Error("expression filter compile failed", slog.Any("error", err))
		return
	}
	if dp := cfg.Value("datapoint"); dp != "" {
		p.datapoint = dp
	}
}

func (p *expressionPlugin) Shutdown() {
	p.initialised = false
	p.next = nil
}

// datapointEnv exposes the reading to the expression: each datapoint by
// name plus the asset name itself.
func datapointEnv(r *reading.Reading) map[string]any {
	env := make(map[string]any, len(r.Datapoints)+1)
	for _, dp := range r.Datapoints {
		env[dp.Name] = dp.Value
	}
	env["asset"] = r.Asset
	return env
}

func writeDatapoint(r *reading.Reading, name string, value any) {
	switch value.(type) {
	case int64, float64, string:
	case int:
		value = int64(value.(int))
	case bool:
		if value.(bool) {
			value = "true"
		} else {
			value = "false"
		}
	default:
		return
	}
	for i := range r.Datapoints {
		if r.Datapoints[i].Name == name {
			r.Datapoints[i].Value = value
			return
		}
	}
	r.Datapoints = append(r.Datapoints, reading.Datapoint{Name: name, Value: value})
}
