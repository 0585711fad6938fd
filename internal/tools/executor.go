package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
)

// defaultTimeout bounds tools that do not declare their own deadline.
const defaultTimeout = 10 * time.Second

// Executor validates and runs tool invocations against a registry.
type Executor struct {
	registry  *Registry
	guardrail *Guardrail
	logger    *slog.Logger
}

// NewExecutor builds an executor. guardrail may be nil to disable the hangup
// check, used by tests and the relaxed policy path.
func NewExecutor(registry *Registry, guardrail *Guardrail, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, guardrail: guardrail, logger: logger}
}

// Execute runs one named invocation: resolve the tool, guardrail-check
// hangups, validate arguments against the schema, apply the timeout, and
// convert panics into error results. The result is always well formed; a tool
// failure never propagates as a Go error.
func (e *Executor) Execute(ctx context.Context, name, rawArgs string, inv Invocation) Result {
	tool, ok := e.registry.Get(name)
	if !ok {
		return Errorf(fmt.Sprintf("unknown tool %q", name))
	}

	if name == ToolHangup && e.guardrail != nil {
		if reject := e.guardrail.Check(inv); reject != "" {
			e.logger.Info("hangup rejected by guardrail", "call_id", inv.CallID)
			return Result{Status: StatusError, Message: reject}
		}
	}

	args, result := decodeArgs(tool, rawArgs)
	if result != nil {
		return *result
	}
	inv.Args = args

	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := e.run(ctx, tool, inv)
	if ctx.Err() == context.DeadlineExceeded && res.Status != StatusSuccess {
		res = Errorf(fmt.Sprintf("tool %q timed out after %s", name, timeout))
	}
	e.logger.Debug("tool executed",
		"call_id", inv.CallID,
		"tool", name,
		"status", res.Status,
		"duration", time.Since(start))
	return res
}

// RunPostCall executes every post-call tool with the frozen session snapshot.
// Failures are logged and swallowed; post-call tools must never disturb
// teardown.
func (e *Executor) RunPostCall(ctx context.Context, inv Invocation) {
	for _, tool := range e.registry.ByPhase(config.PhasePostCall) {
		res := e.Execute(ctx, tool.Name(), "{}", inv)
		if res.Status != StatusSuccess {
			e.logger.Warn("post-call tool failed",
				"call_id", inv.CallID,
				"tool", tool.Name(),
				"message", res.Message)
		}
	}
}

// RunPreCall executes every pre-call tool and returns their outputs keyed by
// tool name, for template substitution into the system prompt.
func (e *Executor) RunPreCall(ctx context.Context, inv Invocation) map[string]string {
	out := make(map[string]string)
	for _, tool := range e.registry.ByPhase(config.PhasePreCall) {
		res := e.Execute(ctx, tool.Name(), "{}", inv)
		if res.Status != StatusSuccess {
			e.logger.Warn("pre-call tool failed",
				"call_id", inv.CallID,
				"tool", tool.Name(),
				"message", res.Message)
			continue
		}
		out[tool.Name()] = res.Message
	}
	return out
}

// run isolates tool panics: a misbehaving tool yields an error result, not a
// crashed call.
func (e *Executor) run(ctx context.Context, tool Tool, inv Invocation) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", tool.Name(), "panic", r)
			res = Errorf(fmt.Sprintf("tool %q panicked", tool.Name()))
		}
	}()
	return tool.Execute(ctx, inv)
}

// decodeArgs parses and schema-validates the raw argument JSON. A non-nil
// Result is the validation error to return to the model.
func decodeArgs(tool Tool, rawArgs string) (map[string]any, *Result) {
	if strings.TrimSpace(rawArgs) == "" {
		rawArgs = "{}"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		r := Errorf("arguments are not a JSON object: " + err.Error())
		return nil, &r
	}

	schema := tool.Parameters()
	if len(schema) == 0 {
		return args, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewStringLoader(rawArgs),
	)
	if err != nil {
		r := Errorf("argument validation failed: " + err.Error())
		return nil, &r
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		r := Errorf("invalid arguments: " + strings.Join(problems, "; "))
		return nil, &r
	}
	return args, nil
}
