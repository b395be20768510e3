// Package gemini implements transport.Transport for Google's Gemini Live API
// over a raw WebSocket.
//
// It speaks the BidiGenerateContent JSON protocol directly: a setup message,
// realtimeInput media chunks (base64 PCM audio and JPEG stills) outbound, and
// serverContent messages inbound. Open blocks until the server acknowledges
// the setup, so a returned session is already open.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default model used when [transport.Config.Model] is
// empty.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local fake server.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = u }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport opens Gemini Live sessions.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Transport authenticating with apiKey.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open dials the Live endpoint, sends the setup message and waits for
// setupComplete. Cancelling ctx aborts the handshake.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		t.baseURL, url.QueryEscape(t.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		inputRate: cfg.InputSampleRate,
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}
	if s.inputRate <= 0 {
		s.inputRate = audio.DefaultInputSampleRate
	}

	if err := s.handshake(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("code %d", e.Code)
	}
	return e.Message
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	inputRate int
	events    chan transport.Event

	mu     sync.Mutex
	errVal error
	closed bool

	writeMu sync.Mutex

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends the setup message and reads until setupComplete.
func (s *session) handshake(ctx context.Context, model string, cfg transport.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var reply serverMessage
		if err := json.Unmarshal(data, &reply); err != nil {
			continue
		}
		if reply.Error != nil {
			return reply.Error
		}
		if reply.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as one text message. Writes are
// serialised so frames leave in Send order.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages until the connection ends. It owns the events
// channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("%w: gemini: read: %w", transport.ErrTransport, err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}
		for _, ev := range translate(&msg) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps one server message onto transport events. An interruption
// is emitted first and any audio in the same message is dropped.
func translate(msg *serverMessage) []transport.Event {
	var out []transport.Event
	if msg.Error != nil {
		out = append(out, transport.ErrorEvent(msg.Error))
	}
	if msg.GoAway != nil {
		out = append(out, transport.ErrorEvent(errors.New("gemini: server sent goAway")))
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.Interrupted {
		out = append(out, transport.Event{Kind: transport.EventInterrupt})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && !sc.Interrupted {
				pcm, err := audio.DecodeText(p.InlineData.Data)
				if err != nil {
					out = append(out, transport.ErrorEvent(err))
					continue
				}
				if len(pcm) == 0 {
					continue
				}
				out = append(out, transport.Event{
					Kind:      transport.EventAudio,
					Audio:     pcm,
					MediaType: p.InlineData.MIMEType,
				})
			}
			if p.Text != "" {
				out = append(out, transport.Event{Kind: transport.EventText, Text: p.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, transport.Event{Kind: transport.EventText, Text: sc.OutputTranscription.Text})
	}
	return out
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send delivers f as one realtimeInput media chunk.
func (s *session) Send(ctx context.Context, f transport.Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	mediaType := f.MediaType
	if mediaType == "" {
		mediaType = audio.MediaTypePCM(s.inputRate)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mediaType, Data: audio.EncodeText(f.Data)}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("%w: gemini: send: %w", transport.ErrTransport, err)
	}
	return nil
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
