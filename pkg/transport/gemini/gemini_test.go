package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/transport/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a fake Live endpoint. The server is closed when
// the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return setup
}

func open(t *testing.T, srv *httptest.Server, cfg transport.Config) transport.Session {
	t.Helper()
	tr := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := tr.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func nextEvent(t *testing.T, sess transport.Session) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return transport.Event{}
}

func audioTurn(mime string, pcm []byte, interrupted bool) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"interrupted": interrupted,
			"modelTurn": map[string]any{
				"parts": []any{
					map[string]any{"inlineData": map[string]any{
						"mimeType": mime,
						"data":     base64.StdEncoding.EncodeToString(pcm),
					}},
				},
			},
		},
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("api key = %q, want test-key", got)
		}
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	open(t, srv, transport.Config{Model: "custom-model", Voice: "Puck", Instructions: "be brief"})

	setup := (<-setupCh)["setup"].(map[string]any)
	if got := setup["model"]; got != "models/custom-model" {
		t.Errorf("model = %v, want models/custom-model", got)
	}
	gen := setup["generationConfig"].(map[string]any)
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Puck" {
		t.Errorf("voiceName = %v, want Puck", voice)
	}
	text := setup["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"]
	if text != "be brief" {
		t.Errorf("instructions = %v, want %q", text, "be brief")
	}
}

func TestOpen_SetupErrorFails(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "permission denied"}})
	})

	tr := gemini.New("bad", gemini.WithBaseURL(wsURL(srv)))
	_, err := tr.Open(context.Background(), transport.Config{})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Open err = %v, want permission denied", err)
	}
}

func TestOpen_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never acknowledge the setup.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	tr := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if _, err := tr.Open(ctx, transport.Config{}); err == nil {
		t.Fatal("Open should fail when the handshake times out")
	}
}

func TestSend_MediaChunk(t *testing.T) {
	t.Parallel()

	type chunk struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	got := make(chan chunk, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 2 {
			var msg struct {
				RealtimeInput struct {
					MediaChunks []chunk `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			readJSON(t, conn, &msg)
			if len(msg.RealtimeInput.MediaChunks) == 1 {
				got <- msg.RealtimeInput.MediaChunks[0]
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := open(t, srv, transport.Config{})
	ctx := context.Background()
	if err := sess.Send(ctx, transport.Frame{Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Send audio: %v", err)
	}
	if err := sess.Send(ctx, transport.Frame{MediaType: transport.MediaTypeJPEG, Data: []byte{0xff, 0xd8}}); err != nil {
		t.Fatalf("Send still: %v", err)
	}

	want := []chunk{
		{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})},
		{MIMEType: "image/jpeg", Data: base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8})},
	}
	for i, w := range want {
		select {
		case c := <-got:
			if c != w {
				t.Errorf("chunk %d = %+v, want %+v", i, c, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
}

func TestEvents_AudioAndText(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x40, 0x00, 0xc0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioTurn("audio/pcm;rate=24000", pcm, false))
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "hello"}},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := open(t, srv, transport.Config{})

	ev := nextEvent(t, sess)
	if ev.Kind != transport.EventAudio {
		t.Fatalf("first event = %v, want audio", ev.Kind)
	}
	if string(ev.Audio) != string(pcm) || ev.MediaType != "audio/pcm;rate=24000" {
		t.Errorf("audio event = %v %q, want %v", ev.Audio, ev.MediaType, pcm)
	}
	if ev := nextEvent(t, sess); ev.Kind != transport.EventText || ev.Text != "hello" {
		t.Errorf("second event = %+v, want text hello", ev)
	}
}

func TestEvents_InterruptDropsAudioInSameMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioTurn("audio/pcm;rate=24000", []byte{1, 0}, true))
		writeJSON(t, conn, audioTurn("audio/pcm;rate=24000", []byte{2, 0}, false))
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := open(t, srv, transport.Config{})
	if ev := nextEvent(t, sess); ev.Kind != transport.EventInterrupt {
		t.Fatalf("first event = %v, want interrupt", ev.Kind)
	}
	ev := nextEvent(t, sess)
	if ev.Kind != transport.EventAudio || ev.Audio[0] != 2 {
		t.Errorf("second event = %+v, want audio from the following message", ev)
	}
}

func TestEvents_ServerErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "hiccup"}})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "still here"}},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := open(t, srv, transport.Config{})
	ev := nextEvent(t, sess)
	if ev.Kind != transport.EventError || !errors.Is(ev.Err, transport.ErrTransport) {
		t.Fatalf("event = %+v, want transport error", ev)
	}
	if ev := nextEvent(t, sess); ev.Kind != transport.EventText {
		t.Errorf("session should survive an error event, got %+v", ev)
	}
}

func TestEvents_ClosedWhenServerHangsUp(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess := open(t, srv, transport.Config{})
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err after normal closure = %v, want nil", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := open(t, srv, transport.Config{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.Send(context.Background(), transport.Frame{Data: []byte{0, 0}}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	for range sess.Events() {
	}
}
