package ari

import (
	"encoding/json"
	"fmt"
)

// Channel mirrors the switch's channel resource, limited to the fields the
// engine reads.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Dialplan struct {
		Context string `json:"context"`
		Exten   string `json:"exten"`
	} `json:"dialplan"`
}

// Bridge mirrors the switch's bridge resource.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// Playback mirrors the switch's playback resource.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// Event is one decoded control-channel event.
type Event interface {
	EventType() string
}

// StasisStart is delivered when a channel enters the application.
type StasisStart struct {
	Channel Channel  `json:"channel"`
	Args    []string `json:"args"`
}

func (StasisStart) EventType() string { return "StasisStart" }

// StasisEnd is delivered when a channel leaves the application.
type StasisEnd struct {
	Channel Channel `json:"channel"`
}

func (StasisEnd) EventType() string { return "StasisEnd" }

// ChannelDtmfReceived carries one DTMF digit pressed on a channel.
type ChannelDtmfReceived struct {
	Channel    Channel `json:"channel"`
	Digit      string  `json:"digit"`
	DurationMs int     `json:"duration_ms"`
}

func (ChannelDtmfReceived) EventType() string { return "ChannelDtmfReceived" }

// ChannelHangupRequest is delivered when the remote side requests hangup.
type ChannelHangupRequest struct {
	Channel Channel `json:"channel"`
	Cause   int     `json:"cause"`
	Soft    bool    `json:"soft"`
}

func (ChannelHangupRequest) EventType() string { return "ChannelHangupRequest" }

// ChannelStateChange is delivered when a channel changes state (ringing, up).
type ChannelStateChange struct {
	Channel Channel `json:"channel"`
}

func (ChannelStateChange) EventType() string { return "ChannelStateChange" }

// PlaybackFinished is delivered when a media playback completes.
type PlaybackFinished struct {
	Playback Playback `json:"playback"`
}

func (PlaybackFinished) EventType() string { return "PlaybackFinished" }

// BridgeAttendedTransfer is delivered when an attended transfer completes on
// the switch side.
type BridgeAttendedTransfer struct {
	Result            string  `json:"result"`
	TransfererChannel Channel `json:"transferer_first_leg"`
}

func (BridgeAttendedTransfer) EventType() string { return "BridgeAttendedTransfer" }

// UnknownEvent wraps event types the engine does not handle. Kept so callers
// can log them at debug level.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventType() string { return e.Type }

// decodeEvent maps one wire message to a typed event.
func decodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("ari: decode event envelope: %w", err)
	}

	var ev Event
	switch envelope.Type {
	case "StasisStart":
		ev = &StasisStart{}
	case "StasisEnd":
		ev = &StasisEnd{}
	case "ChannelDtmfReceived":
		ev = &ChannelDtmfReceived{}
	case "ChannelHangupRequest":
		ev = &ChannelHangupRequest{}
	case "ChannelStateChange":
		ev = &ChannelStateChange{}
	case "PlaybackFinished":
		ev = &PlaybackFinished{}
	case "BridgeAttendedTransfer":
		ev = &BridgeAttendedTransfer{}
	default:
		return UnknownEvent{Type: envelope.Type, Raw: data}, nil
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("ari: decode %s: %w", envelope.Type, err)
	}
	return ev, nil
}
