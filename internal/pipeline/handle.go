package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
)

type toolResult struct {
	id      string
	payload string
}

// handle is one call's pipeline session. The run goroutine is the only writer
// on events and drives turns strictly in sequence: a new final transcript is
// not processed until the previous turn's synthesis has completed.
type handle struct {
	p            *Provider
	sttSession   stt.SessionHandle
	systemPrompt string
	greeting     string
	tools        []llm.ToolDefinition
	logger       *slog.Logger

	events      chan provider.Event
	toolResults chan toolResult
	hist        *history

	mu         sync.Mutex
	turnCancel context.CancelFunc

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var (
	_ provider.Handle      = (*handle)(nil)
	_ provider.Interrupter = (*handle)(nil)
)

func newHandle(p *Provider, sttSession stt.SessionHandle, cfg provider.OpenConfig) *handle {
	return &handle{
		p:            p,
		sttSession:   sttSession,
		systemPrompt: cfg.SystemPrompt,
		greeting:     cfg.Greeting,
		tools:        p.toolDefinitions(cfg.Tools),
		logger:       p.logger.With("call_id", cfg.CallID),
		events:       make(chan provider.Event, 128),
		toolResults:  make(chan toolResult, 8),
		hist:         newHistory(p.cfg.HistoryLimit),
		done:         make(chan struct{}),
	}
}

// ─── provider.Handle ─────────────────────────────────────────────────────────

// PushAudio forwards caller audio to the recognizer. Frames arrive as PCM16
// at the profile's internal rate.
func (h *handle) PushAudio(frame audio.Frame) error {
	select {
	case <-h.done:
		return provider.ErrHandleClosed
	default:
	}
	return h.sttSession.SendAudio(frame.Data)
}

// PushToolResult delivers an executed tool's payload back to the turn driver.
func (h *handle) PushToolResult(invocationID, payload string) error {
	select {
	case h.toolResults <- toolResult{id: invocationID, payload: payload}:
		return nil
	case <-h.done:
		return provider.ErrHandleClosed
	}
}

// Events implements provider.Handle.
func (h *handle) Events() <-chan provider.Event { return h.events }

// Interrupt cancels the in-flight turn: synthesis stops and the partial
// response is dropped. The recognizer keeps running so the caller's barge-in
// speech is transcribed.
func (h *handle) Interrupt() error {
	h.mu.Lock()
	cancel := h.turnCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close implements provider.Handle.
func (h *handle) Close(reason string) error {
	h.once.Do(func() {
		h.logger.Debug("closing pipeline session", "reason", reason)
		close(h.done)
		h.Interrupt()
		h.sttSession.Close()
	})
	h.wg.Wait()
	return nil
}

// ─── turn driver ─────────────────────────────────────────────────────────────

// run owns the events channel.
func (h *handle) run() {
	defer h.wg.Done()
	defer close(h.events)

	if h.greeting != "" {
		ctx, cancel := h.beginTurn()
		h.speak(ctx, h.greeting)
		h.endTurn(cancel)
		h.hist.append(llm.Message{Role: "assistant", Content: h.greeting})
	}

	partials := h.sttSession.Partials()
	finals := h.sttSession.Finals()
	for {
		select {
		case <-h.done:
			return
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			h.emit(provider.Event{Type: provider.EventPartialTranscript, Text: tr.Text})
		case tr, ok := <-finals:
			if !ok {
				// The recognizer stream ended underneath us.
				select {
				case <-h.done:
				default:
					h.emit(provider.Event{Type: provider.EventError, Err: &provider.Error{
						Kind:   "transient",
						Detail: "recognizer stream ended",
					}})
				}
				return
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			h.emit(provider.Event{Type: provider.EventFinalTranscript, Text: tr.Text})
			h.runTurn(tr.Text)
		}
	}
}

func (h *handle) beginTurn() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.turnCancel = cancel
	h.mu.Unlock()
	return ctx, cancel
}

func (h *handle) endTurn(cancel context.CancelFunc) {
	h.mu.Lock()
	h.turnCancel = nil
	h.mu.Unlock()
	cancel()
}

// runTurn executes one full exchange: LLM response, tool rounds, synthesis.
func (h *handle) runTurn(userText string) {
	ctx, cancel := h.beginTurn()
	defer h.endTurn(cancel)

	h.hist.append(llm.Message{Role: "user", Content: userText})

	req := llm.CompletionRequest{
		SystemPrompt: h.systemPrompt,
		Tools:        h.tools,
		Temperature:  h.p.cfg.Temperature,
		MaxTokens:    h.p.cfg.MaxTokens,
	}

	for round := 0; ; round++ {
		req.Messages = h.hist.snapshot()
		chunks, err := h.streamWithRetry(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.emit(provider.Event{Type: provider.EventError, Err: &provider.Error{
				Kind:      "transient",
				Detail:    "completion failed: " + err.Error(),
				Retryable: true,
			}})
			return
		}

		text, calls := h.consumeResponse(ctx, chunks)
		if ctx.Err() != nil {
			// Interrupted mid-turn: keep what was spoken so the model knows
			// it was cut off.
			if text != "" {
				h.hist.append(llm.Message{Role: "assistant", Content: text})
			}
			return
		}

		if len(calls) == 0 || h.p.cfg.ToolPolicy == provider.ToolPolicyOff || round >= maxToolRounds {
			if round >= maxToolRounds && len(calls) > 0 {
				h.logger.Warn("tool round limit reached, dropping calls", "count", len(calls))
			}
			if text != "" {
				h.hist.append(llm.Message{Role: "assistant", Content: text})
			}
			return
		}

		h.hist.append(llm.Message{Role: "assistant", Content: text, ToolCalls: calls})
		if !h.dispatchTools(ctx, calls) {
			return
		}
	}
}

// streamWithRetry opens the completion stream, absorbing transient upstream
// failures with exponential backoff so a single hiccup does not cost the
// caller their turn.
func (h *handle) streamWithRetry(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backoff := h.p.cfg.CompletionBackoff
	for attempt := 0; ; attempt++ {
		chunks, err := h.p.llmP.StreamCompletion(ctx, req)
		if err == nil {
			return chunks, nil
		}
		if attempt >= completionRetries {
			return nil, err
		}
		h.logger.Warn("completion failed, retrying",
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-h.done:
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// consumeResponse streams one completion. Under the strict policy, complete
// sentences are forwarded to the synthesizer as they form; under compatible,
// synthesis waits for the full text so inline tool-call blocks are stripped
// before anything is spoken.
func (h *handle) consumeResponse(ctx context.Context, chunks <-chan llm.Chunk) (string, []llm.ToolCall) {
	compatible := h.p.cfg.ToolPolicy == provider.ToolPolicyCompatible

	var full strings.Builder
	var pending strings.Builder
	var calls []llm.ToolCall
	var speaker *speakStream

stream:
	for {
		select {
		case <-ctx.Done():
			if speaker != nil {
				speaker.finish(ctx)
			}
			return full.String(), calls
		case chunk, ok := <-chunks:
			if !ok {
				break stream
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				pending.WriteString(chunk.Text)
			}
			calls = append(calls, chunk.ToolCalls...)

			if !compatible {
				for {
					idx := firstSentenceBoundary(pending.String())
					if idx < 0 {
						break
					}
					sentence := pending.String()[:idx+1]
					rest := strings.TrimLeft(pending.String()[idx+1:], " \t\n\r")
					pending.Reset()
					pending.WriteString(rest)
					if speaker == nil {
						speaker = h.startSpeaking(ctx)
					}
					if speaker != nil {
						speaker.send(ctx, sentence)
					}
				}
			}

			if chunk.FinishReason != "" {
				break stream
			}
		}
	}

	text := full.String()
	if compatible {
		inline, cleaned := llm.ExtractInlineToolCalls(text)
		calls = append(calls, inline...)
		text = cleaned
		if strings.TrimSpace(text) != "" {
			speaker = h.startSpeaking(ctx)
			if speaker != nil {
				speaker.send(ctx, text)
			}
		}
	} else if pending.Len() > 0 {
		if speaker == nil {
			speaker = h.startSpeaking(ctx)
		}
		if speaker != nil {
			speaker.send(ctx, pending.String())
		}
	}

	if strings.TrimSpace(text) != "" {
		h.emit(provider.Event{Type: provider.EventAssistantText, Text: text})
	}
	if speaker != nil {
		speaker.finish(ctx)
	}
	return text, calls
}

// dispatchTools emits one EventToolCall per call and waits for every result.
// Returns false when the session closed or the turn was interrupted.
func (h *handle) dispatchTools(ctx context.Context, calls []llm.ToolCall) bool {
	waiting := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		waiting[calls[i].ID] = true
		h.emit(provider.Event{Type: provider.EventToolCall, Tool: provider.ToolCall{
			ID:        calls[i].ID,
			Name:      calls[i].Name,
			Arguments: calls[i].Arguments,
		}})
	}

	for len(waiting) > 0 {
		select {
		case <-h.done:
			return false
		case <-ctx.Done():
			return false
		case res := <-h.toolResults:
			if !waiting[res.id] {
				h.logger.Warn("result for unknown tool invocation", "id", res.id)
				continue
			}
			delete(waiting, res.id)
			h.hist.append(llm.Message{Role: "tool", Content: res.payload, ToolCallID: res.id})
		}
	}
	return true
}

// ─── synthesis ───────────────────────────────────────────────────────────────

// speakStream is one live TTS stream with its audio forwarder.
type speakStream struct {
	textCh    chan string
	audioDone chan struct{}
}

// startSpeaking opens a synthesis stream whose audio is forwarded to the
// events channel. Returns nil when the synthesizer refuses the stream; the
// turn then completes silently rather than failing.
func (h *handle) startSpeaking(ctx context.Context) *speakStream {
	s := &speakStream{
		textCh:    make(chan string, 16),
		audioDone: make(chan struct{}),
	}
	audioCh, err := h.p.ttsP.SynthesizeStream(ctx, s.textCh, h.p.cfg.Voice)
	if err != nil {
		h.logger.Warn("synthesis start failed", "error", err)
		h.emit(provider.Event{Type: provider.EventError, Err: &provider.Error{
			Kind:      "transient",
			Detail:    "synthesis failed: " + err.Error(),
			Retryable: true,
		}})
		close(s.audioDone)
		return nil
	}

	rate := h.p.ttsP.Output().SampleRate
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(s.audioDone)
		for b := range audioCh {
			h.emit(provider.Event{
				Type:     provider.EventAssistantAudio,
				Audio:    b,
				Encoding: audio.EncodingSLin16,
				Rate:     rate,
			})
		}
		h.emit(provider.Event{Type: provider.EventAssistantAudioDone})
	}()
	return s
}

func (s *speakStream) send(ctx context.Context, text string) {
	select {
	case s.textCh <- text:
	case <-ctx.Done():
	}
}

// finish closes the text stream and waits for the audio tail to flush.
func (s *speakStream) finish(ctx context.Context) {
	close(s.textCh)
	select {
	case <-s.audioDone:
	case <-ctx.Done():
	}
}

// speak synthesizes a fixed phrase (the greeting) outside an LLM turn.
func (h *handle) speak(ctx context.Context, text string) {
	h.emit(provider.Event{Type: provider.EventAssistantText, Text: text})
	s := h.startSpeaking(ctx)
	if s == nil {
		return
	}
	s.send(ctx, text)
	s.finish(ctx)
}

// emit delivers one event unless the session is closing.
func (h *handle) emit(ev provider.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace. Returns -1 if no boundary exists.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
