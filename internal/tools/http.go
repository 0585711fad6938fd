package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
)

// httpTool is a generic YAML-declared outbound HTTP call. URL, headers, and
// body are templates; {caller_number}, {called_number}, {call_id},
// {pre_call_results.<tool>}, and {env.<VAR>} are substituted at invocation
// time, plus any model-supplied argument as {<name>}.
type httpTool struct {
	spec   config.HTTPToolSpec
	schema json.RawMessage
	client *resty.Client
}

// RegisterHTTPTools adds the declared HTTP tools to the registry. The schema
// is converted from its YAML form once at registration.
func RegisterHTTPTools(reg *Registry, specs []config.HTTPToolSpec) error {
	for _, spec := range specs {
		t, err := newHTTPTool(spec)
		if err != nil {
			return err
		}
		reg.Register(t)
	}
	return nil
}

func newHTTPTool(spec config.HTTPToolSpec) (*httpTool, error) {
	var schema json.RawMessage
	if len(spec.Parameters) > 0 {
		b, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tools: http tool %q: parameters: %w", spec.Name, err)
		}
		schema = b
	}
	return &httpTool{
		spec:   spec,
		schema: schema,
		client: resty.New().SetTimeout(defaultTimeout),
	}, nil
}

var _ Tool = (*httpTool)(nil)

func (t *httpTool) Name() string                { return t.spec.Name }
func (t *httpTool) Description() string         { return t.spec.Description }
func (t *httpTool) Phase() config.ToolPhase     { return t.spec.Phase }
func (t *httpTool) Parameters() json.RawMessage { return t.schema }

func (t *httpTool) Timeout() time.Duration {
	return time.Duration(t.spec.TimeoutMs) * time.Millisecond
}

func (t *httpTool) Execute(ctx context.Context, inv Invocation) Result {
	sub := newSubstituter(inv)

	req := t.client.R().SetContext(ctx)
	for k, v := range t.spec.Headers {
		req.SetHeader(k, sub.apply(v))
	}
	if t.spec.Body != "" {
		req.SetBody(sub.apply(t.spec.Body))
	}

	method := strings.ToUpper(t.spec.Method)
	if method == "" {
		method = "POST"
	}
	resp, err := req.Execute(method, sub.apply(t.spec.URL))
	if err != nil {
		return Errorf("request failed: " + err.Error())
	}
	if resp.IsError() {
		return Result{
			Status:  StatusFailed,
			Message: fmt.Sprintf("endpoint returned %d", resp.StatusCode()),
			Data:    map[string]any{"body": truncate(resp.String(), 512)},
		}
	}

	body := truncate(resp.String(), 2048)
	res := Result{Status: StatusSuccess, Message: body}
	// When the endpoint answers with a JSON object, pass it through as
	// structured data for the model.
	var data map[string]any
	if json.Unmarshal(resp.Body(), &data) == nil {
		res.Data = data
	}
	return res
}

// substituter resolves template variables for one invocation.
type substituter struct {
	vars map[string]string
}

func newSubstituter(inv Invocation) *substituter {
	vars := map[string]string{
		"caller_number": inv.CallerNumber,
		"called_number": inv.CalledNumber,
		"call_id":       inv.CallID,
	}
	for name, result := range inv.PreCallResults {
		vars["pre_call_results."+name] = result
	}
	for name, v := range inv.Args {
		if s, ok := v.(string); ok {
			vars[name] = s
		} else if b, err := json.Marshal(v); err == nil {
			vars[name] = string(b)
		}
	}
	return &substituter{vars: vars}
}

// apply replaces every {var} occurrence. {env.NAME} reads the process
// environment; unknown variables are left in place so a typo is visible in
// the outgoing request rather than silently blanked.
func (s *substituter) apply(tmpl string) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start
		name := rest[start+1 : end]

		b.WriteString(rest[:start])
		if v, ok := s.vars[name]; ok {
			b.WriteString(v)
		} else if env, found := strings.CutPrefix(name, "env."); found {
			b.WriteString(os.Getenv(env))
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
