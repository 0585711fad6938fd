package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
)

// Built-in tool names as offered to the model.
const (
	ToolBlindTransfer    = "blind_transfer"
	ToolAttendedTransfer = "attended_transfer"
	ToolCancelTransfer   = "cancel_transfer"
	ToolVoicemail        = "voicemail_drop"
	ToolHangup           = "hangup_call"
	ToolExtensionStatus  = "extension_status"
	ToolEmailSummary     = "send_email_summary"
	ToolTranscript       = "request_transcript"
)

// TransferOutcome is the result of an attended transfer attempt.
type TransferOutcome string

const (
	TransferAccepted TransferOutcome = "accepted"
	TransferDeclined TransferOutcome = "declined"
	TransferTimeout  TransferOutcome = "timeout"
)

// Telephony is the switch-facing surface built-in tools act through. The call
// lifecycle controller implements it; tools never talk to the control plane
// directly so transfer state stays in one place.
type Telephony interface {
	// BlindTransfer moves the caller to the destination immediately.
	BlindTransfer(ctx context.Context, destination string) error

	// AttendedTransfer rings the destination with the caller on hold,
	// announces, and collects DTMF accept or decline.
	AttendedTransfer(ctx context.Context, destination string) (TransferOutcome, error)

	// CancelTransfer aborts an in-progress attended transfer and returns the
	// caller from hold.
	CancelTransfer(ctx context.Context) error

	// VoicemailDrop sends the caller to the extension's voicemail.
	VoicemailDrop(ctx context.Context, extension string) error

	// RequestHangup schedules the hanging state. The farewell, when
	// non-empty, is spoken before the channel drops.
	RequestHangup(farewell string)

	// ExtensionStatus reports the registration state of an endpoint, such as
	// "online", "offline", or "busy".
	ExtensionStatus(ctx context.Context, extension string) (string, error)
}

var (
	extensionSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"extension": {"type": "string", "description": "Extension or endpoint number"}
		},
		"required": ["extension"]
	}`)

	hangupSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"farewell": {"type": "string", "description": "Short goodbye to speak before hanging up"}
		}
	}`)

	emailSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "Concise summary of the conversation"}
		},
		"required": ["summary"]
	}`)

	emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)
)

// builtin is the common shape of the telephony tools.
type builtin struct {
	name    string
	desc    string
	phase   config.ToolPhase
	schema  json.RawMessage
	timeout time.Duration
	exec    func(ctx context.Context, inv Invocation) Result
}

func (b *builtin) Name() string                { return b.name }
func (b *builtin) Description() string         { return b.desc }
func (b *builtin) Phase() config.ToolPhase     { return b.phase }
func (b *builtin) Parameters() json.RawMessage { return b.schema }
func (b *builtin) Timeout() time.Duration      { return b.timeout }

func (b *builtin) Execute(ctx context.Context, inv Invocation) Result {
	return b.exec(ctx, inv)
}

var _ Tool = (*builtin)(nil)

// RegisterBuiltins adds the enabled built-in telephony tools to the registry.
// Unknown names in the enabled set are rejected so a typo does not silently
// drop a tool.
func RegisterBuiltins(reg *Registry, cfg config.ToolsConfig, tel Telephony) error {
	for name, opts := range cfg.Enabled {
		t, err := newBuiltin(name, opts, tel)
		if err != nil {
			return err
		}
		reg.Register(t)
	}
	return nil
}

func newBuiltin(name string, opts config.ToolOptions, tel Telephony) (Tool, error) {
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond

	stringOpt := func(key string) string {
		if v, ok := opts.Options[key].(string); ok {
			return v
		}
		return ""
	}
	argString := func(inv Invocation, key string) string {
		if v, ok := inv.Args[key].(string); ok {
			return v
		}
		return ""
	}

	switch name {
	case ToolBlindTransfer:
		return &builtin{
			name:    name,
			desc:    "Transfer the caller to another extension immediately, without announcement.",
			phase:   config.PhaseInCall,
			schema:  extensionSchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				dest := argString(inv, "extension")
				if dest == "" {
					dest = stringOpt("destination")
				}
				if dest == "" {
					return Errorf("no transfer destination")
				}
				if err := tel.BlindTransfer(ctx, dest); err != nil {
					return Errorf("transfer failed: " + err.Error())
				}
				return Result{Status: StatusSuccess, Message: "caller transferred to " + dest}
			},
		}, nil

	case ToolAttendedTransfer:
		// The consult leg rings for up to 30s and then waits up to 15s for a
		// keypress, so the executor default would cut it off mid-dial.
		if timeout == 0 {
			timeout = 50 * time.Second
		}
		return &builtin{
			name:    name,
			desc:    "Transfer with announcement: ring the destination, announce the caller, and connect only if the destination accepts.",
			phase:   config.PhaseInCall,
			schema:  extensionSchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				dest := argString(inv, "extension")
				if dest == "" {
					return Errorf("no transfer destination")
				}
				outcome, err := tel.AttendedTransfer(ctx, dest)
				if err != nil {
					return Errorf("transfer failed: " + err.Error())
				}
				switch outcome {
				case TransferAccepted:
					return Result{Status: StatusSuccess, Message: "destination accepted, caller connected"}
				case TransferDeclined:
					return Result{Status: StatusFailed, Message: "destination declined the transfer"}
				default:
					return Result{Status: StatusFailed, Message: "destination did not answer in time"}
				}
			},
		}, nil

	case ToolCancelTransfer:
		return &builtin{
			name:    name,
			desc:    "Abort an in-progress transfer and return to the caller.",
			phase:   config.PhaseInCall,
			schema:  emptySchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				if err := tel.CancelTransfer(ctx); err != nil {
					return Errorf("cancel failed: " + err.Error())
				}
				return Result{Status: StatusSuccess, Message: "transfer cancelled"}
			},
		}, nil

	case ToolVoicemail:
		return &builtin{
			name:    name,
			desc:    "Send the caller to an extension's voicemail.",
			phase:   config.PhaseInCall,
			schema:  extensionSchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				ext := argString(inv, "extension")
				if ext == "" {
					ext = stringOpt("extension")
				}
				if ext == "" {
					return Errorf("no voicemail extension")
				}
				if err := tel.VoicemailDrop(ctx, ext); err != nil {
					return Errorf("voicemail drop failed: " + err.Error())
				}
				return Result{Status: StatusSuccess, Message: "caller sent to voicemail " + ext}
			},
		}, nil

	case ToolHangup:
		return &builtin{
			name:    name,
			desc:    "End the call. Use only when the caller has clearly said goodbye or asked to end the conversation.",
			phase:   config.PhaseInCall,
			schema:  hangupSchema,
			timeout: timeout,
			exec: func(_ context.Context, inv Invocation) Result {
				tel.RequestHangup(argString(inv, "farewell"))
				return Result{Status: StatusSuccess, Message: "hanging up"}
			},
		}, nil

	case ToolExtensionStatus:
		return &builtin{
			name:    name,
			desc:    "Check whether an extension is online, busy, or offline before transferring.",
			phase:   config.PhaseInCall,
			schema:  extensionSchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				ext := argString(inv, "extension")
				if ext == "" {
					return Errorf("no extension given")
				}
				state, err := tel.ExtensionStatus(ctx, ext)
				if err != nil {
					return Errorf("status check failed: " + err.Error())
				}
				return Result{
					Status:  StatusSuccess,
					Message: fmt.Sprintf("extension %s is %s", ext, state),
					Data:    map[string]any{"extension": ext, "state": state},
				}
			},
		}, nil

	case ToolEmailSummary:
		webhook := stringOpt("webhook_url")
		client := resty.New().SetTimeout(defaultTimeout)
		return &builtin{
			name:    name,
			desc:    "Email a summary of this conversation to the configured recipient.",
			phase:   config.PhaseInCall,
			schema:  emailSchema,
			timeout: timeout,
			exec: func(ctx context.Context, inv Invocation) Result {
				if webhook == "" {
					return Errorf("no email webhook configured")
				}
				resp, err := client.R().
					SetContext(ctx).
					SetHeader("Content-Type", "application/json").
					SetBody(map[string]string{
						"call_id":       inv.CallID,
						"caller_number": inv.CallerNumber,
						"summary":       argString(inv, "summary"),
					}).
					Post(webhook)
				if err != nil {
					return Errorf("email webhook unreachable: " + err.Error())
				}
				if resp.IsError() {
					return Errorf(fmt.Sprintf("email webhook returned %d", resp.StatusCode()))
				}
				return Result{Status: StatusSuccess, Message: "summary sent"}
			},
		}, nil

	case ToolTranscript:
		return &builtin{
			name:    name,
			desc:    "Request that the full call transcript be saved and delivered after the call.",
			phase:   config.PhaseInCall,
			schema:  emptySchema,
			timeout: timeout,
			exec: func(_ context.Context, inv Invocation) Result {
				return Result{
					Status:  StatusSuccess,
					Message: "transcript will be delivered after the call",
					Data:    map[string]any{"transcript_requested": true},
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("tools: unknown built-in %q", name)
}
