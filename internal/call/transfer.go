package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/ari"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/tools"
)

// Attended transfer budgets: how long the target may ring and how long they
// have to press a key after the announcement.
const (
	transferDialTimeout   = 30 * time.Second
	transferAcceptTimeout = 15 * time.Second
)

// announceMedia is played to the dialed party before they accept or decline.
const announceMedia = "sound:transfer"

// transferMachine implements [tools.Telephony] for one call. At most one
// attended transfer is in flight at a time; a second attempt while one is
// pending fails immediately.
type transferMachine struct {
	ctrl    SwitchControl
	m       *Manager
	tele    config.TelephonyConfig
	callID  string
	caller  string // caller channel id
	logger  *slog.Logger
	hangup  chan<- string
	bridged chan<- string // target channel id on accepted transfer

	dialTimeout   time.Duration
	acceptTimeout time.Duration

	mu      sync.Mutex
	pending string // dialed channel id while a transfer is in flight
}

func newTransferMachine(m *Manager, tele config.TelephonyConfig, callID, callerChannel string,
	hangup chan<- string, bridged chan<- string, logger *slog.Logger) *transferMachine {
	return &transferMachine{
		ctrl:          m.ctrl,
		m:             m,
		tele:          tele,
		callID:        callID,
		caller:        callerChannel,
		logger:        logger,
		hangup:        hangup,
		bridged:       bridged,
		dialTimeout:   transferDialTimeout,
		acceptTimeout: transferAcceptTimeout,
	}
}

var _ tools.Telephony = (*transferMachine)(nil)

// endpointFor maps a bare extension onto a dialable endpoint. Destinations
// that already carry a technology prefix pass through.
func endpointFor(dest string) string {
	if strings.Contains(dest, "/") {
		return dest
	}
	return "PJSIP/" + dest
}

// splitDestination parses "exten" or "exten@context" for dialplan handoffs.
func splitDestination(dest string) (exten, dialCtx string) {
	if i := strings.IndexByte(dest, '@'); i >= 0 {
		return dest[:i], dest[i+1:]
	}
	return dest, ""
}

// BlindTransfer releases the caller back to the dialplan at the destination.
// The agent leg ends as soon as the channel leaves the application.
func (t *transferMachine) BlindTransfer(ctx context.Context, destination string) error {
	exten, dialCtx := splitDestination(destination)
	t.logger.Info("blind transfer", "destination", destination)
	return t.ctrl.ContinueDialplan(ctx, t.caller, dialCtx, exten, 1)
}

// AttendedTransfer dials the destination, announces the call, and waits for a
// keypress: 1 accepts and bridges the caller through, anything else declines.
// The caller hears hold music throughout.
func (t *transferMachine) AttendedTransfer(ctx context.Context, destination string) (tools.TransferOutcome, error) {
	t.mu.Lock()
	if t.pending != "" {
		t.mu.Unlock()
		return tools.TransferDeclined, fmt.Errorf("call: transfer already in flight")
	}
	t.mu.Unlock()

	if err := t.ctrl.StartMOH(ctx, t.caller, t.tele.MOHClass); err != nil {
		return tools.TransferDeclined, err
	}

	target, err := t.ctrl.Originate(ctx, endpointFor(destination), t.callID, t.dialTimeout)
	if err != nil {
		t.stopMOH(ctx)
		return tools.TransferTimeout, err
	}

	events := t.m.claim(target.ID)
	defer t.m.release(target.ID)

	t.mu.Lock()
	t.pending = target.ID
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pending = ""
		t.mu.Unlock()
	}()

	outcome, err := t.consult(ctx, events, target.ID)
	if outcome != tools.TransferAccepted {
		t.ctrl.Hangup(ctx, target.ID, ari.HangupNormal)
		t.stopMOH(ctx)
	}
	return outcome, err
}

// consult runs the dialed leg through answer, announcement, and keypress.
func (t *transferMachine) consult(ctx context.Context, events <-chan ari.Event, targetID string) (tools.TransferOutcome, error) {
	if err := t.waitAnswer(ctx, events); err != nil {
		return tools.TransferTimeout, err
	}

	if _, err := t.ctrl.Play(ctx, targetID, uuid.NewString(), announceMedia); err != nil {
		return tools.TransferDeclined, err
	}

	digit, err := t.waitDigit(ctx, events)
	if err != nil {
		return tools.TransferTimeout, err
	}
	if digit != "1" {
		t.logger.Info("transfer declined", "digit", digit)
		return tools.TransferDeclined, nil
	}

	if err := t.bridge(ctx, targetID); err != nil {
		return tools.TransferDeclined, err
	}
	t.logger.Info("transfer accepted", "target", targetID)
	select {
	case t.bridged <- targetID:
	default:
	}
	return tools.TransferAccepted, nil
}

// waitAnswer blocks until the dialed channel answers into the application or
// the dial budget runs out. A hangup event while ringing counts as timeout.
func (t *transferMachine) waitAnswer(ctx context.Context, events <-chan ari.Event) error {
	timer := time.NewTimer(t.dialTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("call: transfer target did not answer")
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("call: transfer target lost")
			}
			switch e := ev.(type) {
			case *ari.StasisStart:
				return nil
			case *ari.ChannelStateChange:
				if e.Channel.State == "Up" {
					return nil
				}
			case *ari.ChannelHangupRequest, *ari.StasisEnd:
				return fmt.Errorf("call: transfer target hung up")
			}
		}
	}
}

// waitDigit blocks until the dialed party presses a key or the accept window
// closes.
func (t *transferMachine) waitDigit(ctx context.Context, events <-chan ari.Event) (string, error) {
	timer := time.NewTimer(t.acceptTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("call: transfer target did not respond")
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("call: transfer target lost")
			}
			switch e := ev.(type) {
			case *ari.ChannelDtmfReceived:
				return e.Digit, nil
			case *ari.ChannelHangupRequest, *ari.StasisEnd:
				return "", fmt.Errorf("call: transfer target hung up")
			}
		}
	}
}

// bridge connects caller and target directly and takes the caller off hold.
func (t *transferMachine) bridge(ctx context.Context, targetID string) error {
	br, err := t.ctrl.CreateBridge(ctx)
	if err != nil {
		return err
	}
	if err := t.ctrl.AddChannel(ctx, br.ID, t.caller); err != nil {
		t.ctrl.DestroyBridge(ctx, br.ID)
		return err
	}
	if err := t.ctrl.AddChannel(ctx, br.ID, targetID); err != nil {
		t.ctrl.DestroyBridge(ctx, br.ID)
		return err
	}
	t.stopMOH(ctx)
	return nil
}

// CancelTransfer abandons an in-flight attended transfer and resumes the
// conversation. A no-op when nothing is pending.
func (t *transferMachine) CancelTransfer(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = ""
	t.mu.Unlock()
	if pending == "" {
		return nil
	}
	t.logger.Info("transfer cancelled", "target", pending)
	if err := t.ctrl.Hangup(ctx, pending, ari.HangupNormal); err != nil {
		return err
	}
	return t.ctrl.StopMOH(ctx, t.caller)
}

// VoicemailDrop hands the caller to the voicemail application for the given
// extension via the dialplan.
func (t *transferMachine) VoicemailDrop(ctx context.Context, extension string) error {
	exten, dialCtx := splitDestination(extension)
	if dialCtx == "" {
		dialCtx = "voicemail"
	}
	t.logger.Info("voicemail drop", "extension", extension)
	return t.ctrl.ContinueDialplan(ctx, t.caller, dialCtx, exten, 1)
}

// RequestHangup asks the call controller to end the call after the farewell
// has been spoken. Never blocks; a duplicate request is dropped.
func (t *transferMachine) RequestHangup(farewell string) {
	select {
	case t.hangup <- farewell:
	default:
	}
}

// ExtensionStatus reports the registration state of an extension, such as
// "online", "offline", or "unknown".
func (t *transferMachine) ExtensionStatus(ctx context.Context, extension string) (string, error) {
	tech := "PJSIP"
	resource := extension
	if i := strings.IndexByte(extension, '/'); i >= 0 {
		tech, resource = extension[:i], extension[i+1:]
	}
	ep, err := t.ctrl.GetEndpoint(ctx, tech, resource)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ep.State), nil
}

// stopMOH is cleanup; failures are logged, not propagated.
func (t *transferMachine) stopMOH(ctx context.Context) {
	if err := t.ctrl.StopMOH(ctx, t.caller); err != nil {
		t.logger.Warn("stop moh failed", "error", err)
	}
}

// audioSocketAdvertiseAddr is the address handed to the switch for the framed
// TCP listener. Behind NAT the advertise host replaces the bind host.
func audioSocketAdvertiseAddr(tele config.TelephonyConfig) string {
	if tele.AdvertiseHost == "" {
		return tele.AudioSocketAddr
	}
	_, port, err := net.SplitHostPort(tele.AudioSocketAddr)
	if err != nil {
		return tele.AudioSocketAddr
	}
	return net.JoinHostPort(tele.AdvertiseHost, port)
}
