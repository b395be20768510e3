// Package genailive implements transport.Transport on top of the official
// Google Gen AI SDK's Live API client.
//
// Unlike the gemini package, which speaks the wire protocol itself, this
// adapter lets the SDK own the connection, authentication and message
// framing. It only translates between genai types and transport frames and
// events.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*session)(nil)
	_ liveSession         = (*genai.Session)(nil)
)

const (
	defaultModel = "gemini-2.0-flash-live-001"
	eventBuffer  = 64
)

// liveSession is the subset of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default model used when [transport.Config.Model] is
// empty.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = u }
}

// Transport opens Live API sessions through a lazily created genai client.
type Transport struct {
	apiKey  string
	model   string
	baseURL string

	mu      sync.Mutex
	connect connectFunc
}

// New returns a Transport authenticating with apiKey. The genai client is
// created on the first Open.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) connector(ctx context.Context) (connectFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connect != nil {
		return t.connect, nil
	}
	cc := &genai.ClientConfig{APIKey: t.apiKey, Backend: genai.BackendGeminiAPI}
	if t.baseURL != "" {
		cc.HTTPOptions.BaseURL = t.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: create client: %w", err)
	}
	t.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, cfg)
	}
	return t.connect, nil
}

// Open connects and waits for the server's setupComplete acknowledgement.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	connect, err := t.connector(ctx)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = t.model
	}

	live, err := connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}
	if err := awaitSetup(ctx, live); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genailive: setup: %w", err)
	}

	inputRate := cfg.InputSampleRate
	if inputRate <= 0 {
		inputRate = audio.DefaultInputSampleRate
	}
	s := &session{
		live:      live,
		inputRate: inputRate,
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func connectConfig(cfg transport.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	return lc
}

// awaitSetup blocks until the first setupComplete message or ctx ends.
// Receive has no context, so it runs on its own goroutine; closing the
// session on cancellation unblocks it.
func awaitSetup(ctx context.Context, live liveSession) error {
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil {
				errc <- err
				return
			}
			if msg.SetupComplete != nil {
				errc <- nil
				return
			}
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		_ = live.Close()
		return ctx.Err()
	}
}

// translate maps one server message onto transport events. An interruption
// is emitted first and audio in the same message is dropped.
func translate(msg *genai.LiveServerMessage) []transport.Event {
	var out []transport.Event
	if msg.GoAway != nil {
		out = append(out, transport.ErrorEvent(errors.New("genailive: server sent goAway")))
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
			if p == nil {
				continue
			}
			if p.InlineData != nil && !sc.Interrupted && len(p.InlineData.Data) > 0 &&
				strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				out = append(out, transport.Event{
					Kind:      transport.EventAudio,
					Audio:     p.InlineData.Data,
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

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live      liveSession
	inputRate int
	events    chan transport.Event
	done      chan struct{}

	sendMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if !s.isClosed() {
				s.setErr(fmt.Errorf("%w: genailive: receive: %w", transport.ErrTransport, err))
			}
			return
		}
		for _, ev := range translate(msg) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Send routes audio frames to the realtime audio stream and images to the
// video stream. The SDK call has no context; ctx is only checked up front.
func (s *session) Send(ctx context.Context, f transport.Frame) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mediaType := f.MediaType
	if mediaType == "" {
		mediaType = audio.MediaTypePCM(s.inputRate)
	}
	blob := &genai.Blob{Data: f.Data, MIMEType: mediaType}
	var in genai.LiveRealtimeInput
	if strings.HasPrefix(mediaType, "image/") {
		in.Video = blob
	} else {
		in.Audio = blob
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.live.SendRealtimeInput(in); err != nil {
		return fmt.Errorf("%w: genailive: send: %w", transport.ErrTransport, err)
	}
	return nil
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close ends the SDK session, which unblocks the receive loop. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genailive: close: %w", err)
	}
	return nil
}
