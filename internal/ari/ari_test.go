package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ─── TestEventsURL ───────────────────────────────────────────────────────────

func TestEventsURL(t *testing.T) {
	t.Parallel()

	got, err := eventsURL("http://asterisk:8088/ari", "agent", "secret", "voiceagent")
	if err != nil {
		t.Fatalf("eventsURL: %v", err)
	}
	want := "ws://asterisk:8088/ari/events?api_key=agent%3Asecret&app=voiceagent&subscribeAll=false"
	if got != want {
		t.Errorf("want %q, got %q", want, got)
	}

	got, err = eventsURL("https://asterisk/ari/", "a", "b", "app")
	if err != nil {
		t.Fatalf("eventsURL https: %v", err)
	}
	if got[:6] != "wss://" {
		t.Errorf("https should map to wss, got %q", got)
	}
}

// ─── TestDecodeEvent ─────────────────────────────────────────────────────────

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "stasis start",
			raw: `{"type":"StasisStart","args":["inbound"],
				"channel":{"id":"ch-1","state":"Ring","caller":{"number":"15551234"}}}`,
			check: func(t *testing.T, ev Event) {
				st, ok := ev.(*StasisStart)
				if !ok {
					t.Fatalf("want *StasisStart, got %T", ev)
				}
				if st.Channel.ID != "ch-1" || st.Channel.Caller.Number != "15551234" {
					t.Errorf("channel not decoded: %+v", st.Channel)
				}
				if len(st.Args) != 1 || st.Args[0] != "inbound" {
					t.Errorf("args not decoded: %v", st.Args)
				}
			},
		},
		{
			name: "dtmf",
			raw:  `{"type":"ChannelDtmfReceived","digit":"5","channel":{"id":"ch-1"}}`,
			check: func(t *testing.T, ev Event) {
				d, ok := ev.(*ChannelDtmfReceived)
				if !ok {
					t.Fatalf("want *ChannelDtmfReceived, got %T", ev)
				}
				if d.Digit != "5" {
					t.Errorf("digit: got %q", d.Digit)
				}
			},
		},
		{
			name: "playback finished",
			raw:  `{"type":"PlaybackFinished","playback":{"id":"pb-9","state":"done"}}`,
			check: func(t *testing.T, ev Event) {
				p, ok := ev.(*PlaybackFinished)
				if !ok {
					t.Fatalf("want *PlaybackFinished, got %T", ev)
				}
				if p.Playback.ID != "pb-9" {
					t.Errorf("playback id: got %q", p.Playback.ID)
				}
			},
		},
		{
			name: "unknown type",
			raw:  `{"type":"ChannelVarset","variable":"X"}`,
			check: func(t *testing.T, ev Event) {
				u, ok := ev.(UnknownEvent)
				if !ok {
					t.Fatalf("want UnknownEvent, got %T", ev)
				}
				if u.Type != "ChannelVarset" {
					t.Errorf("type: got %q", u.Type)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := decodeEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			tt.check(t, ev)
		})
	}

	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Error("malformed event should error")
	}
}

// ─── TestClient ──────────────────────────────────────────────────────────────

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
}

func newTestClient(t *testing.T, status int, body string) (*Client, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := make(map[string]string)
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		reqs = append(reqs, recordedRequest{method: r.Method, path: r.URL.Path, query: q})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "agent", "secret", "voiceagent", WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, &reqs
}

func TestClientAnswerAndHangup(t *testing.T) {
	t.Parallel()

	c, reqs := newTestClient(t, 204, "")
	ctx := context.Background()

	if err := c.Answer(ctx, "ch-1"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := c.Hangup(ctx, "ch-1", HangupBusy); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	got := *reqs
	if len(got) != 2 {
		t.Fatalf("want 2 requests, got %d", len(got))
	}
	if got[0].method != "POST" || got[0].path != "/channels/ch-1/answer" {
		t.Errorf("answer request: %+v", got[0])
	}
	if got[1].method != "DELETE" || got[1].query["reason"] != "busy" {
		t.Errorf("hangup request: %+v", got[1])
	}
}

func TestClientHangupGoneChannel(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, 404, `{"message":"Channel not found"}`)
	if err := c.Hangup(context.Background(), "ch-1", HangupNormal); err != nil {
		t.Fatalf("404 on hangup should succeed, got %v", err)
	}
}

func TestClientExternalMedia(t *testing.T) {
	t.Parallel()

	c, reqs := newTestClient(t, 200, `{"id":"em-1","name":"UnicastRTP/..."}`)
	ch, err := c.ExternalMedia(context.Background(), "10.0.0.5:40000", "slin16")
	if err != nil {
		t.Fatalf("ExternalMedia: %v", err)
	}
	if ch.ID != "em-1" {
		t.Errorf("channel id: got %q", ch.ID)
	}

	got := (*reqs)[0]
	if got.query["external_host"] != "10.0.0.5:40000" || got.query["format"] != "slin16" {
		t.Errorf("query: %+v", got.query)
	}
	if got.query["app"] != "voiceagent" {
		t.Errorf("app not set: %+v", got.query)
	}
}

func TestClientPlay(t *testing.T) {
	t.Parallel()

	c, reqs := newTestClient(t, 201, `{"id":"pb-1","state":"queued"}`)
	pb, err := c.Play(context.Background(), "ch-1", "pb-1", "sound:greeting")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if pb.ID != "pb-1" {
		t.Errorf("playback id: got %q", pb.ID)
	}
	got := (*reqs)[0]
	if got.path != "/channels/ch-1/play/pb-1" || got.query["media"] != "sound:greeting" {
		t.Errorf("play request: %+v", got)
	}
}

func TestClientErrorSurface(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, 500, `{"message":"boom"}`)
	if err := c.Answer(context.Background(), "ch-1"); err == nil {
		t.Fatal("server error should surface")
	}
}
