package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbridge/internal/dedupe"
	"agentbridge/internal/domain"
	"agentbridge/internal/speech"
)

type dispatch struct {
	to   string
	body string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  []dispatch
	err   error
	panic bool
	delay time.Duration
}

func (f *fakeDispatcher) Send(ctx context.Context, to, body string) error {
	if f.panic {
		panic("dispatcher exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, dispatch{to, body})
	return f.err
}

func (f *fakeDispatcher) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.body
	}
	return out
}

type fakeDownloader struct {
	calls atomic.Int32
	data  []byte
	err   error
}

func (f *fakeDownloader) Download(_ context.Context, mediaID string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: f.err}
	}
	return f.data, nil
}

type fakeTranscriber struct {
	calls  atomic.Int32
	result domain.TranscriptionResult
	opts   speech.Options
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, opts speech.Options) domain.TranscriptionResult {
	f.calls.Add(1)
	f.opts = opts
	return f.result
}

type fakeSessions struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSessions) ResolveOrCreate(_ context.Context, userKey string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", &domain.SessionCreationError{UserKey: userKey, Err: f.err}
	}
	return "sess-" + userKey, nil
}

type engineCall struct {
	userID, sessionID, text string
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	reply string
	err   error
	delay time.Duration
}

func (f *fakeEngine) SendMessage(ctx context.Context, userID, sessionID, text string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, engineCall{userID, sessionID, text})
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	dispatcher  *fakeDispatcher
	downloader  *fakeDownloader
	transcriber *fakeTranscriber
	sessions    *fakeSessions
	engine      *fakeEngine
	ingestor    *Ingestor
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, mutate ...func(*IngestorConfig)) *harness {
	t.Helper()
	h := &harness{
		dispatcher:  &fakeDispatcher{},
		downloader:  &fakeDownloader{data: []byte("OggS")},
		transcriber: &fakeTranscriber{},
		sessions:    &fakeSessions{},
		engine:      &fakeEngine{reply: "engine reply"},
	}
	cfg := IngestorConfig{
		VerifyToken: "verify-me",
		Downloader:  h.downloader,
		Transcriber: h.transcriber,
		Sessions:    h.sessions,
		Engine:      h.engine,
		Dispatcher:  h.dispatcher,

		AdvisoryThreshold: 0.7,
		PrefaceThreshold:  0.8,

		Logger: testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.ingestor = NewIngestor(cfg)
	return h
}

func event(msgs ...map[string]any) []byte {
	body, _ := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id": "WABA",
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{"messages": msgs},
			}},
		}},
	})
	return body
}

func textMsg(id, from, body string) map[string]any {
	return map[string]any{"id": id, "from": from, "type": "text", "text": map[string]any{"body": body}}
}

func audioMsg(id, from, mediaID string) map[string]any {
	m := map[string]any{"id": id, "from": from, "type": "audio"}
	if mediaID != "" {
		m["audio"] = map[string]any{"id": mediaID, "mime_type": "audio/ogg; codecs=opus"}
	}
	return m
}

func TestVerify(t *testing.T) {
	h := newHarness(t)

	got, err := h.ingestor.Verify("subscribe", "verify-me", "challenge-123")
	if err != nil || got != "challenge-123" {
		t.Fatalf("Verify = %q, %v", got, err)
	}
	// Idempotent.
	if again, _ := h.ingestor.Verify("subscribe", "verify-me", "challenge-123"); again != got {
		t.Errorf("second verify = %q", again)
	}

	for _, tc := range []struct{ mode, token string }{
		{"subscribe", "wrong"},
		{"unsubscribe", "verify-me"},
		{"", ""},
	} {
		if _, err := h.ingestor.Verify(tc.mode, tc.token, "c"); !errors.Is(err, domain.ErrAuthentication) {
			t.Errorf("Verify(%q, %q) err = %v, want ErrAuthentication", tc.mode, tc.token, err)
		}
	}
}

func TestHandleEvent_TextScenario(t *testing.T) {
	h := newHarness(t)

	report := h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.1", "15551234", "hello")))
	if report.Status != "ok" || report.Processed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Results[0].Failed() {
		t.Fatalf("text pipeline failed: %s", report.Results[0].Reason)
	}

	if len(h.engine.calls) != 1 {
		t.Fatalf("expected 1 engine call, got %d", len(h.engine.calls))
	}
	call := h.engine.calls[0]
	if call.text != "hello" || call.sessionID != "sess-15551234" || call.userID != "wa-15551234" {
		t.Errorf("unexpected engine call %+v", call)
	}
	if got := h.dispatcher.sent; len(got) != 1 || got[0].to != "15551234" || got[0].body != "engine reply" {
		t.Errorf("unexpected dispatches %+v", got)
	}
}

func TestHandleEvent_AudioUnreachableDownload(t *testing.T) {
	h := newHarness(t)
	h.downloader.err = errors.New("dial tcp: connection refused")

	report := h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.2", "15550001", "media-1")))
	if report.Status != "ok" || !report.Results[0].Failed() {
		t.Fatalf("unexpected report %+v", report)
	}

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeDownloadFailed {
		t.Errorf("expected only the download notice, got %q", bodies)
	}
	if h.transcriber.calls.Load() != 0 {
		t.Error("transcriber should not be called")
	}
	if h.engine.count() != 0 || h.sessions.calls.Load() != 0 {
		t.Error("engine should not be called")
	}
}

func TestHandleEvent_AudioMissingReference(t *testing.T) {
	h := newHarness(t)

	h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.3", "15550001", "")))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeAudioMissing {
		t.Errorf("expected audio-missing notice, got %q", bodies)
	}
	if h.downloader.calls.Load() != 0 {
		t.Error("downloader should not be called")
	}
}

func TestHandleEvent_TranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.transcriber.result = domain.TranscriptionResult{Success: false, Error: "no speech"}

	report := h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.4", "15550001", "media-1")))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeNotUnderstood {
		t.Errorf("expected not-understood notice, got %q", bodies)
	}
	if h.engine.count() != 0 {
		t.Error("engine should not be called")
	}
	if !strings.Contains(report.Results[0].Reason, "no speech") {
		t.Errorf("reason %q should carry transcription error", report.Results[0].Reason)
	}
}

func TestHandleEvent_ConfidenceGating(t *testing.T) {
	tests := []struct {
		confidence   float64
		wantAdvisory bool
		wantPreface  bool
	}{
		{0.95, false, false},
		{0.80, false, false},
		{0.79, false, true},
		{0.70, false, true},
		{0.69, true, true},
		{0.10, true, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%.2f", tc.confidence), func(t *testing.T) {
			h := newHarness(t)
			h.transcriber.result = domain.TranscriptionResult{Success: true, Transcript: "turn on the lights", Confidence: tc.confidence, Language: "es-US"}

			h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.c", "15550002", "media-9")))

			bodies := h.dispatcher.bodies()
			advisories := 0
			for _, b := range bodies {
				if b == AdvisoryNotice("turn on the lights") {
					advisories++
				}
			}
			if tc.wantAdvisory && advisories != 1 {
				t.Errorf("expected exactly one advisory, got %d (%q)", advisories, bodies)
			}
			if !tc.wantAdvisory && advisories != 0 {
				t.Errorf("expected no advisory, got %d", advisories)
			}
			if bodies[len(bodies)-1] != "engine reply" {
				t.Errorf("last dispatch = %q, want engine reply", bodies[len(bodies)-1])
			}

			if h.engine.count() != 1 {
				t.Fatalf("expected 1 engine call, got %d", h.engine.count())
			}
			text := h.engine.calls[0].text
			hasPreface := strings.HasPrefix(text, "[transcribed, ")
			if hasPreface != tc.wantPreface {
				t.Errorf("engine text %q: preface=%v, want %v", text, hasPreface, tc.wantPreface)
			}
			if !strings.HasSuffix(text, "turn on the lights") {
				t.Errorf("engine text %q should end with transcript", text)
			}
		})
	}
}

func TestConfidencePreface(t *testing.T) {
	if got := ConfidencePreface(0.756); got != "[transcribed, 76% confidence] " {
		t.Errorf("ConfidencePreface(0.756) = %q", got)
	}
	if got := ConfidencePreface(0); got != "[transcribed, 0% confidence] " {
		t.Errorf("ConfidencePreface(0) = %q", got)
	}
}

func TestHandleEvent_SpeechOptionsForwarded(t *testing.T) {
	h := newHarness(t, func(c *IngestorConfig) {
		c.SpeechOptions = speech.Options{LanguageCode: "en-US", Encoding: "OGG_OPUS", SampleRateHertz: 16000}
	})
	h.transcriber.result = domain.TranscriptionResult{Success: true, Transcript: "hi", Confidence: 0.9}

	h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.o", "1", "m")))
	if h.transcriber.opts.LanguageCode != "en-US" {
		t.Errorf("language = %q, want en-US", h.transcriber.opts.LanguageCode)
	}
}

func TestHandleEvent_Unsupported(t *testing.T) {
	h := newHarness(t)
	msg := map[string]any{"id": "wamid.5", "from": "15550003", "type": "image", "image": map[string]any{"id": "img"}}

	report := h.ingestor.HandleEvent(context.Background(), event(msg))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeUnsupported {
		t.Errorf("expected unsupported notice, got %q", bodies)
	}
	if h.engine.count() != 0 {
		t.Error("engine should not be called")
	}
	if report.Status != "ok" {
		t.Errorf("status = %q", report.Status)
	}
}

func TestHandleEvent_EngineFailureSendsNotice(t *testing.T) {
	h := newHarness(t)
	h.engine.err = &domain.EngineError{Op: "stream_query", Status: 500, Body: "internal"}

	report := h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.6", "15550004", "hi")))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeProcessingFailed {
		t.Errorf("expected processing notice, got %q", bodies)
	}
	if report.Status != "ok" || !report.Results[0].Failed() {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHandleEvent_SessionFailureSendsNotice(t *testing.T) {
	h := newHarness(t)
	h.sessions.err = errors.New("engine down")

	h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.7", "15550005", "hi")))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeProcessingFailed {
		t.Errorf("expected processing notice, got %q", bodies)
	}
	if h.engine.count() != 0 {
		t.Error("engine should not be called without a session")
	}
}

func TestHandleEvent_TimeoutRoutesToNotice(t *testing.T) {
	h := newHarness(t, func(c *IngestorConfig) { c.EventTimeout = 20 * time.Millisecond })
	h.engine.delay = time.Second

	report := h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.8", "15550006", "slow")))

	if report.Status != "ok" || !report.Results[0].Failed() {
		t.Fatalf("unexpected report %+v", report)
	}
	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != NoticeProcessingFailed {
		t.Errorf("expected processing notice, got %q", bodies)
	}
}

func TestHandleEvent_DeadlineBoundsWholeDelivery(t *testing.T) {
	h := newHarness(t, func(c *IngestorConfig) {
		c.EventTimeout = 50 * time.Millisecond
		c.MaxConcurrency = 1
	})
	h.engine.delay = time.Hour
	h.dispatcher.delay = 200 * time.Millisecond

	var msgs []map[string]any
	for i := 0; i < 8; i++ {
		msgs = append(msgs, textMsg(fmt.Sprintf("wamid.d%d", i), fmt.Sprintf("1555100%d", i), "hi"))
	}

	start := time.Now()
	report := h.ingestor.HandleEvent(context.Background(), event(msgs...))
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("HandleEvent took %v with a 50ms event timeout", elapsed)
	}
	if report.Status != "ok" || report.Processed != 8 {
		t.Fatalf("unexpected report %+v", report)
	}
	for i, r := range report.Results {
		if !r.Failed() {
			t.Errorf("result %d should have failed: %+v", i, r)
		}
	}
	if n := len(h.dispatcher.bodies()); n != 1 {
		t.Errorf("expected one notice for the in-flight message, got %d", n)
	}
}

func TestHandleEvent_ZeroThresholdsDisableAdvisoryAndPreface(t *testing.T) {
	h := newHarness(t, func(c *IngestorConfig) {
		c.AdvisoryThreshold = 0
		c.PrefaceThreshold = 0
	})
	h.transcriber.result = domain.TranscriptionResult{Success: true, Transcript: "lights", Confidence: 0.05}

	h.ingestor.HandleEvent(context.Background(), event(audioMsg("wamid.z", "15550009", "media-1")))

	if bodies := h.dispatcher.bodies(); len(bodies) != 1 || bodies[0] != "engine reply" {
		t.Errorf("expected only the engine reply, got %q", bodies)
	}
	if h.engine.count() != 1 || h.engine.calls[0].text != "lights" {
		t.Errorf("expected unprefixed transcript, got %+v", h.engine.calls)
	}
}

func TestHandleEvent_DeliveryFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = &domain.DeliveryError{RecipientID: "15550007", Status: 400, Body: "bad"}

	report := h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.9", "15550007", "hi")))
	if report.Status != "ok" || !report.Results[0].Failed() {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHandleEvent_Malformed(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{"not json", `{"entry": "oops"}`} {
		report := h.ingestor.HandleEvent(context.Background(), []byte(body))
		if report.Status != "error" || report.Error == "" {
			t.Errorf("body %q: unexpected report %+v", body, report)
		}
	}
	if len(h.dispatcher.bodies()) != 0 {
		t.Error("nothing should be dispatched for malformed events")
	}
}

func TestHandleEvent_StatusOnlyDelivery(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.x","status":"read"}]}}]}]}`)

	report := h.ingestor.HandleEvent(context.Background(), body)
	if report.Status != "ok" || report.Processed != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHandleEvent_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.panic = true

	report := h.ingestor.HandleEvent(context.Background(), event(textMsg("wamid.p", "1", "hi")))
	if report.Status != "ok" || !report.Results[0].Failed() || !strings.Contains(report.Results[0].Reason, "panic") {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHandleEvent_MultipleMessagesConcurrently(t *testing.T) {
	h := newHarness(t, func(c *IngestorConfig) { c.MaxConcurrency = 3 })
	h.engine.delay = 30 * time.Millisecond

	var msgs []map[string]any
	for i := 0; i < 6; i++ {
		msgs = append(msgs, textMsg(fmt.Sprintf("wamid.m%d", i), fmt.Sprintf("1555000%d", i), "hi"))
	}
	report := h.ingestor.HandleEvent(context.Background(), event(msgs...))

	if report.Processed != 6 {
		t.Fatalf("processed = %d, want 6", report.Processed)
	}
	for i, r := range report.Results {
		if r.Failed() {
			t.Errorf("result %d failed: %s", i, r.Reason)
		}
		if r.MessageID != fmt.Sprintf("wamid.m%d", i) {
			t.Errorf("result %d has id %q; results must keep delivery order", i, r.MessageID)
		}
	}
	if h.engine.count() != 6 {
		t.Errorf("engine calls = %d, want 6", h.engine.count())
	}
}

func TestHandleEvent_RedeliverySkipped(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	h := newHarness(t, func(c *IngestorConfig) { c.Dedupe = cache })

	body := event(textMsg("wamid.dup", "15550008", "hi"))
	h.ingestor.HandleEvent(context.Background(), body)
	report := h.ingestor.HandleEvent(context.Background(), body)

	if h.engine.count() != 1 {
		t.Errorf("engine calls = %d, want 1", h.engine.count())
	}
	if report.Results[0].Reason != "duplicate" || report.Results[0].Failed() {
		t.Errorf("unexpected duplicate result %+v", report.Results[0])
	}
}

func TestAuthentic(t *testing.T) {
	open := newHarness(t)
	if !open.ingestor.Authentic([]byte("{}"), "") {
		t.Error("no app secret should accept every body")
	}

	locked := newHarness(t, func(c *IngestorConfig) { c.AppSecret = "s3cret" })
	if locked.ingestor.Authentic([]byte("{}"), "sha256=deadbeef") {
		t.Error("bad signature accepted")
	}
}
