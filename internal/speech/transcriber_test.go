package speech

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

type fakeRecognizer struct {
	resp     *speechpb.RecognizeResponse
	longResp *speechpb.LongRunningRecognizeResponse
	err      error
	block    bool

	lastReq     *speechpb.RecognizeRequest
	lastLongReq *speechpb.LongRunningRecognizeRequest
	calls       int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	f.calls++
	f.lastReq = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func (f *fakeRecognizer) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	f.calls++
	f.lastLongReq = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.longResp, f.err
}

func (f *fakeRecognizer) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func result(text string, conf float32) *speechpb.SpeechRecognitionResult {
	return &speechpb.SpeechRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: conf}},
	}
}

func newTranscriber(r Recognizer) *Transcriber {
	return NewTranscriber(TranscriberConfig{Recognizer: r, Logger: testLogger()})
}

func TestTranscribe_Success(t *testing.T) {
	rec := &fakeRecognizer{resp: &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{result("hola mundo", 0.92), result("ignored", 0.1)},
	}}
	tr := newTranscriber(rec)

	got := tr.Transcribe(context.Background(), []byte("ogg"), DefaultOptions)
	if !got.Success {
		t.Fatalf("expected success, got error %q", got.Error)
	}
	if got.Transcript != "hola mundo" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if math.Abs(got.Confidence-0.92) > 1e-6 {
		t.Errorf("Confidence = %v, want 0.92", got.Confidence)
	}
	if got.Language != "es-US" {
		t.Errorf("Language = %q", got.Language)
	}

	cfg := rec.lastReq.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_OGG_OPUS || cfg.GetSampleRateHertz() != 16000 {
		t.Errorf("unexpected audio format: %v %d", cfg.GetEncoding(), cfg.GetSampleRateHertz())
	}
	if !cfg.GetEnableAutomaticPunctuation() || !cfg.GetUseEnhanced() || cfg.GetModel() != "default" {
		t.Errorf("unexpected recognition features: %+v", cfg)
	}
	if string(rec.lastReq.GetAudio().GetContent()) != "ogg" {
		t.Error("audio content not forwarded")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	rec := &fakeRecognizer{}
	got := newTranscriber(rec).Transcribe(context.Background(), nil, DefaultOptions)
	if got.Success || got.Error == "" {
		t.Fatalf("expected failure, got %+v", got)
	}
	if rec.calls != 0 {
		t.Error("recognizer should not be called for empty audio")
	}
}

func TestTranscribe_NoResults(t *testing.T) {
	rec := &fakeRecognizer{resp: &speechpb.RecognizeResponse{}}
	got := newTranscriber(rec).Transcribe(context.Background(), []byte("x"), DefaultOptions)
	if got.Success || got.Error == "" {
		t.Fatalf("expected failure, got %+v", got)
	}
}

func TestTranscribe_ServiceError(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("quota exceeded")}
	got := newTranscriber(rec).Transcribe(context.Background(), []byte("x"), DefaultOptions)
	if got.Success || !strings.Contains(got.Error, "quota exceeded") {
		t.Fatalf("expected failure mentioning upstream error, got %+v", got)
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	rec := &fakeRecognizer{block: true}
	tr := NewTranscriber(TranscriberConfig{Recognizer: rec, Timeout: 20 * time.Millisecond, Logger: testLogger()})
	got := tr.Transcribe(context.Background(), []byte("x"), DefaultOptions)
	if got.Success {
		t.Fatal("expected timeout failure")
	}
}

func TestTranscribe_CustomOptions(t *testing.T) {
	rec := &fakeRecognizer{resp: &speechpb.RecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{result("hi", 0.5)}}}
	got := newTranscriber(rec).Transcribe(context.Background(), []byte("x"),
		Options{LanguageCode: "en-US", Encoding: "linear16", SampleRateHertz: 8000})
	if !got.Success || got.Language != "en-US" {
		t.Fatalf("unexpected result %+v", got)
	}
	if rec.lastReq.GetConfig().GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("encoding = %v", rec.lastReq.GetConfig().GetEncoding())
	}

	bad := newTranscriber(rec).Transcribe(context.Background(), []byte("x"), Options{Encoding: "MP5"})
	if bad.Success {
		t.Error("expected failure for unknown encoding")
	}
}

func TestTranscribeLong_JoinsAndAverages(t *testing.T) {
	rec := &fakeRecognizer{longResp: &speechpb.LongRunningRecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{result("first part", 0.9), result("second part", 0.7)},
	}}
	got := newTranscriber(rec).TranscribeLong(context.Background(), "gs://bucket/note.ogg", DefaultOptions)
	if !got.Success {
		t.Fatalf("expected success, got %q", got.Error)
	}
	if got.Transcript != "first part second part" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if math.Abs(got.Confidence-0.8) > 1e-6 {
		t.Errorf("Confidence = %v, want 0.8", got.Confidence)
	}
	if rec.lastLongReq.GetAudio().GetUri() != "gs://bucket/note.ogg" {
		t.Error("uri not forwarded")
	}
}

func TestTranscribeLong_Failures(t *testing.T) {
	tr := newTranscriber(&fakeRecognizer{longResp: &speechpb.LongRunningRecognizeResponse{}})
	if got := tr.TranscribeLong(context.Background(), "gs://b/o", DefaultOptions); got.Success {
		t.Error("expected failure for empty results")
	}
	if got := tr.TranscribeLong(context.Background(), "/tmp/local.ogg", DefaultOptions); got.Success {
		t.Error("expected failure for non-gs uri")
	}
	tr = newTranscriber(&fakeRecognizer{err: errors.New("boom")})
	if got := tr.TranscribeLong(context.Background(), "gs://b/o", DefaultOptions); got.Success {
		t.Error("expected failure for service error")
	}
}
