package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-time-oauth/guard"
	"github.com/giantswarm/mcp-time-oauth/instrumentation"
)

// Tool names.
const (
	ToolGetCurrentTime = "get_current_time"
	ToolConvertTime    = "convert_time"
)

// Scopes required by the tools.
const (
	ScopeRead    = "time:read"
	ScopeConvert = "time:convert"
)

// ErrUnknownTool is returned by Call for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Argument describes one string parameter of a tool.
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
}

// Definition describes a tool, its required scope and its implementation.
type Definition struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scope       string     `json:"scope"`
	Arguments   []Argument `json:"arguments"`

	run func(now time.Time, args map[string]string) (any, error)
}

// Registry holds the time tools and runs them with per-tool scope checks.
type Registry struct {
	defs            map[string]Definition
	now             func() time.Time
	logger          *slog.Logger
	tracer          trace.Tracer
	instrumentation *instrumentation.Instrumentation
}

// NewRegistry registers get_current_time and convert_time.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		defs:   make(map[string]Definition, 2),
		now:    time.Now,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("tools"),
	}

	r.register(Definition{
		Name:        ToolGetCurrentTime,
		Description: "Get the current time in a specific timezone",
		Scope:       ScopeRead,
		Arguments: []Argument{
			{Name: "timezone", Description: "IANA timezone name (e.g. 'America/New_York', 'Europe/London')", Default: "UTC"},
		},
		run: func(now time.Time, args map[string]string) (any, error) {
			return CurrentTime(now, args["timezone"])
		},
	})
	r.register(Definition{
		Name:        ToolConvertTime,
		Description: "Convert a time from one timezone to another",
		Scope:       ScopeConvert,
		Arguments: []Argument{
			{Name: "source_timezone", Description: "Source IANA timezone name", Required: true},
			{Name: "time", Description: "Time in 24-hour HH:MM format", Required: true},
			{Name: "target_timezone", Description: "Target IANA timezone name", Required: true},
		},
		run: func(now time.Time, args map[string]string) (any, error) {
			return ConvertTime(now, args["source_timezone"], args["time"], args["target_timezone"])
		},
	})
	return r
}

func (r *Registry) register(def Definition) {
	if _, exists := r.defs[def.Name]; exists {
		r.logger.Warn("Overwriting existing tool definition", "tool", def.Name)
	}
	r.defs[def.Name] = def
	r.logger.Debug("Registered tool", "tool", def.Name, "scope", def.Scope)
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetInstrumentation enables tool call spans and metrics.
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
	if inst != nil {
		r.tracer = inst.Tracer("tools")
	}
}

// Definitions returns all tools sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// bindArguments applies defaults and checks required arguments. Values must be strings.
func bindArguments(def Definition, raw map[string]any) (map[string]string, error) {
	args := make(map[string]string, len(def.Arguments))
	for _, a := range def.Arguments {
		v, present := raw[a.Name]
		if !present || v == nil {
			if a.Required {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArguments, a.Name)
			}
			args[a.Name] = a.Default
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: argument %q must be a string", ErrInvalidArguments, a.Name)
		}
		args[a.Name] = s
	}
	return args, nil
}

// Call runs the named tool for the principal in ctx. It returns
// guard.ErrUnauthorized or guard.ErrInsufficientScope when the caller may not
// run the tool and an error wrapping ErrInvalidArguments for bad input.
func (r *Registry) Call(ctx context.Context, name string, raw map[string]any) (result any, err error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, span := r.tracer.Start(ctx, "tools."+name)
	defer span.End()
	start := time.Now()
	defer func() {
		outcome := callOutcome(err)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrToolName, name),
			attribute.String(instrumentation.AttrToolResult, outcome))
		if err != nil {
			instrumentation.SetSpanError(span, outcome)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if r.instrumentation != nil {
			r.instrumentation.Metrics().RecordToolCall(ctx, name, outcome, float64(time.Since(start).Milliseconds()))
		}
	}()

	p, err := guard.CheckScope(ctx, def.Scope)
	if err != nil {
		if p != nil {
			r.logger.Debug("Tool call denied", "tool", name, "client_id", p.ClientID, "required_scope", def.Scope)
		}
		return nil, err
	}

	args, err := bindArguments(def, raw)
	if err != nil {
		return nil, err
	}
	result, err = def.run(r.now(), args)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Tool call succeeded", "tool", name, "client_id", p.ClientID)
	return result, nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, guard.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, guard.ErrInsufficientScope):
		return "forbidden"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid_arguments"
	default:
		return "error"
	}
}
