// Package ari speaks the switch's REST control API and its event WebSocket.
// The REST client issues channel, bridge, and playback commands; the event
// stream delivers the Stasis events the call controller consumes. Media never
// flows through this package.
package ari

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// HangupReason values accepted by the switch on channel deletion.
const (
	HangupNormal = "normal"
	HangupBusy   = "busy"
)

// Client issues control commands against the switch's REST API.
type Client struct {
	http   *resty.Client
	app    string
	logger *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout sets the per-request timeout. The default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a control client. baseURL is the REST root
// (e.g., "http://asterisk:8088/ari"); app is the Stasis application name.
func NewClient(baseURL, username, password, app string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ari: base URL is required")
	}
	if app == "" {
		return nil, fmt.Errorf("ari: application name is required")
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetBasicAuth(username, password).
			SetTimeout(10 * time.Second),
		app:    app,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// App returns the Stasis application name.
func (c *Client) App() string { return c.app }

func apiErr(op string, resp *resty.Response) error {
	return fmt.Errorf("ari: %s: %s: %s", op, resp.Status(), resp.String())
}

// Ping verifies the REST API is reachable and credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/asterisk/info")
	if err != nil {
		return fmt.Errorf("ari: ping: %w", err)
	}
	if resp.IsError() {
		return apiErr("ping", resp)
	}
	return nil
}

// Answer accepts an inbound channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Post("/channels/" + channelID + "/answer")
	if err != nil {
		return fmt.Errorf("ari: answer %s: %w", channelID, err)
	}
	if resp.IsError() {
		return apiErr("answer "+channelID, resp)
	}
	return nil
}

// Hangup deletes a channel with the given reason ([HangupNormal] or
// [HangupBusy]). A 404 is treated as success: the channel is already gone.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("reason", reason).
		Delete("/channels/" + channelID)
	if err != nil {
		return fmt.Errorf("ari: hangup %s: %w", channelID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return apiErr("hangup "+channelID, resp)
	}
	return nil
}

// Originate dials endpoint (e.g., "PJSIP/1001") into this application.
// callerID is presented to the dialed party; timeout bounds ringing.
func (c *Client) Originate(ctx context.Context, endpoint, callerID string, timeout time.Duration) (*Channel, error) {
	out := &Channel{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"endpoint": endpoint,
			"app":      c.app,
			"callerId": callerID,
			"timeout":  fmt.Sprintf("%d", int(timeout.Seconds())),
		}).
		SetResult(out).
		Post("/channels")
	if err != nil {
		return nil, fmt.Errorf("ari: originate %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return nil, apiErr("originate "+endpoint, resp)
	}
	return out, nil
}

// ExternalMedia creates an RTP media channel toward externalHost
// ("host:port"). format is the switch's codec name (e.g., "ulaw", "slin16").
func (c *Client) ExternalMedia(ctx context.Context, externalHost, format string) (*Channel, error) {
	out := &Channel{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":           c.app,
			"external_host": externalHost,
			"format":        format,
		}).
		SetResult(out).
		Post("/channels/externalMedia")
	if err != nil {
		return nil, fmt.Errorf("ari: external media: %w", err)
	}
	if resp.IsError() {
		return nil, apiErr("external media", resp)
	}
	return out, nil
}

// ExternalMediaAudioSocket creates an AudioSocket media channel toward
// serverAddr ("host:port"). callUUID is the identifier the connection
// announces in its ID frame, used to match the TCP connection to the call.
func (c *Client) ExternalMediaAudioSocket(ctx context.Context, serverAddr, format, callUUID string) (*Channel, error) {
	out := &Channel{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":           c.app,
			"external_host": serverAddr,
			"format":        format,
			"encapsulation": "audiosocket",
			"transport":     "tcp",
			"data":          callUUID,
		}).
		SetResult(out).
		Post("/channels/externalMedia")
	if err != nil {
		return nil, fmt.Errorf("ari: external media audiosocket: %w", err)
	}
	if resp.IsError() {
		return nil, apiErr("external media audiosocket", resp)
	}
	return out, nil
}

// Snoop creates a listen-only spy channel on channelID, delivering the
// caller's audio into this application without echoing agent playbacks back.
func (c *Client) Snoop(ctx context.Context, channelID string) (*Channel, error) {
	out := &Channel{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"spy": "in",
			"app": c.app,
		}).
		SetResult(out).
		Post("/channels/" + channelID + "/snoop")
	if err != nil {
		return nil, fmt.Errorf("ari: snoop %s: %w", channelID, err)
	}
	if resp.IsError() {
		return nil, apiErr("snoop "+channelID, resp)
	}
	return out, nil
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (*Bridge, error) {
	out := &Bridge{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("type", "mixing").
		SetResult(out).
		Post("/bridges")
	if err != nil {
		return nil, fmt.Errorf("ari: create bridge: %w", err)
	}
	if resp.IsError() {
		return nil, apiErr("create bridge", resp)
	}
	return out, nil
}

// DestroyBridge deletes a bridge. A 404 is treated as success.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/bridges/" + bridgeID)
	if err != nil {
		return fmt.Errorf("ari: destroy bridge %s: %w", bridgeID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return apiErr("destroy bridge "+bridgeID, resp)
	}
	return nil
}

// AddChannel places a channel into a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("channel", channelID).
		Post("/bridges/" + bridgeID + "/addChannel")
	if err != nil {
		return fmt.Errorf("ari: add channel %s to %s: %w", channelID, bridgeID, err)
	}
	if resp.IsError() {
		return apiErr(fmt.Sprintf("add channel %s to %s", channelID, bridgeID), resp)
	}
	return nil
}

// RemoveChannel takes a channel out of a bridge.
func (c *Client) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("channel", channelID).
		Post("/bridges/" + bridgeID + "/removeChannel")
	if err != nil {
		return fmt.Errorf("ari: remove channel %s from %s: %w", channelID, bridgeID, err)
	}
	if resp.IsError() {
		return apiErr(fmt.Sprintf("remove channel %s from %s", channelID, bridgeID), resp)
	}
	return nil
}

// Play starts media on a channel under a caller-chosen playback id so the
// completion event can be correlated. media is a switch media URI
// (e.g., "sound:hello-world").
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) (*Playback, error) {
	out := &Playback{}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("media", media).
		SetResult(out).
		Post("/channels/" + channelID + "/play/" + playbackID)
	if err != nil {
		return nil, fmt.Errorf("ari: play on %s: %w", channelID, err)
	}
	if resp.IsError() {
		return nil, apiErr("play on "+channelID, resp)
	}
	return out, nil
}

// StopPlayback cancels an in-flight playback. A 404 is treated as success.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/playbacks/" + playbackID)
	if err != nil {
		return fmt.Errorf("ari: stop playback %s: %w", playbackID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return apiErr("stop playback "+playbackID, resp)
	}
	return nil
}

// StartMOH starts music on hold on a channel.
func (c *Client) StartMOH(ctx context.Context, channelID, class string) error {
	req := c.http.R().SetContext(ctx)
	if class != "" {
		req.SetQueryParam("mohClass", class)
	}
	resp, err := req.Post("/channels/" + channelID + "/moh")
	if err != nil {
		return fmt.Errorf("ari: start moh on %s: %w", channelID, err)
	}
	if resp.IsError() {
		return apiErr("start moh on "+channelID, resp)
	}
	return nil
}

// StopMOH stops music on hold on a channel.
func (c *Client) StopMOH(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/channels/" + channelID + "/moh")
	if err != nil {
		return fmt.Errorf("ari: stop moh on %s: %w", channelID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return apiErr("stop moh on "+channelID, resp)
	}
	return nil
}

// ContinueDialplan releases a channel back to the dialplan at the given
// location. Used for blind transfers.
func (c *Client) ContinueDialplan(ctx context.Context, channelID, dialCtx, exten string, priority int) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"context":   dialCtx,
			"extension": exten,
			"priority":  fmt.Sprintf("%d", priority),
		}).
		Post("/channels/" + channelID + "/continue")
	if err != nil {
		return fmt.Errorf("ari: continue %s: %w", channelID, err)
	}
	if resp.IsError() {
		return apiErr("continue "+channelID, resp)
	}
	return nil
}

// Endpoint mirrors the switch's endpoint resource.
type Endpoint struct {
	Technology string   `json:"technology"`
	Resource   string   `json:"resource"`
	State      string   `json:"state"`
	ChannelIDs []string `json:"channel_ids"`
}

// GetEndpoint looks up an endpoint's registration state
// (e.g., tech "PJSIP", resource "1001").
func (c *Client) GetEndpoint(ctx context.Context, tech, resource string) (*Endpoint, error) {
	out := &Endpoint{}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(out).
		Get("/endpoints/" + tech + "/" + resource)
	if err != nil {
		return nil, fmt.Errorf("ari: endpoint %s/%s: %w", tech, resource, err)
	}
	if resp.IsError() {
		return nil, apiErr(fmt.Sprintf("endpoint %s/%s", tech, resource), resp)
	}
	return out, nil
}
