// Package speech turns voice notes into text with Cloud Speech-to-Text.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"agentbridge/internal/domain"
	"agentbridge/internal/metrics"
)

// Options selects the recognition language and audio format.
type Options struct {
	LanguageCode    string
	Encoding        string // RecognitionConfig.AudioEncoding name, e.g. OGG_OPUS
	SampleRateHertz int32
}

// DefaultOptions matches WhatsApp voice notes.
var DefaultOptions = Options{LanguageCode: "es-US", Encoding: "OGG_OPUS", SampleRateHertz: 16000}

// TranscriberConfig configures a Transcriber and its per-call timeouts.
type TranscriberConfig struct {
	Recognizer         Recognizer
	Timeout            time.Duration
	LongRunningTimeout time.Duration
	Logger             *slog.Logger
}

// Transcriber never returns an error; failures are reported in the
// TranscriptionResult.
type Transcriber struct {
	recognizer  Recognizer
	timeout     time.Duration
	longTimeout time.Duration
	logger      *slog.Logger
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LongRunningTimeout <= 0 {
		cfg.LongRunningTimeout = 5 * time.Minute
	}
	return &Transcriber{
		recognizer:  cfg.Recognizer,
		timeout:     cfg.Timeout,
		longTimeout: cfg.LongRunningTimeout,
		logger:      cfg.Logger,
	}
}

// Transcribe runs synchronous recognition over audio and returns the first
// result's top alternative.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, opts Options) domain.TranscriptionResult {
	if len(audio) == 0 {
		return failure("empty audio")
	}
	rc, err := recognitionConfig(opts)
	if err != nil {
		return failure(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Info("transcribing audio", "bytes", len(audio), "language", rc.LanguageCode)
	resp, err := t.recognizer.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	})
	if err != nil {
		t.logger.Error("speech recognize failed", "err", err)
		return failure("speech api: " + err.Error())
	}

	res := resp.GetResults()
	if len(res) == 0 || len(res[0].GetAlternatives()) == 0 {
		t.logger.Warn("no transcription results")
		return failure("no speech recognized; the audio may be silent or unintelligible")
	}

	alt := res[0].GetAlternatives()[0]
	out := domain.TranscriptionResult{
		Success:    true,
		Transcript: alt.GetTranscript(),
		Confidence: float64(alt.GetConfidence()),
		Language:   rc.LanguageCode,
	}
	metrics.TranscriptionConfidence(out.Confidence)
	t.logger.Info("transcription done", "preview", preview(out.Transcript), "confidence", out.Confidence)
	return out
}

// TranscribeLong runs long-running recognition on a gs:// object, joining
// every result's top transcript and averaging their confidence.
func (t *Transcriber) TranscribeLong(ctx context.Context, uri string, opts Options) domain.TranscriptionResult {
	if !strings.HasPrefix(uri, "gs://") {
		return failure(fmt.Sprintf("unsupported audio uri %q: want gs://bucket/object", uri))
	}
	rc, err := recognitionConfig(opts)
	if err != nil {
		return failure(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, t.longTimeout)
	defer cancel()

	t.logger.Info("waiting for long-running transcription", "uri", uri)
	resp, err := t.recognizer.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: uri}},
	})
	if err != nil {
		t.logger.Error("long-running recognize failed", "uri", uri, "err", err)
		return failure("speech api: " + err.Error())
	}

	var (
		parts []string
		sum   float64
	)
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, alts[0].GetTranscript())
		sum += float64(alts[0].GetConfidence())
	}
	if len(parts) == 0 {
		return failure("no speech recognized in long audio")
	}

	out := domain.TranscriptionResult{
		Success:    true,
		Transcript: strings.Join(parts, " "),
		Confidence: sum / float64(len(parts)),
		Language:   rc.LanguageCode,
	}
	metrics.TranscriptionConfidence(out.Confidence)
	t.logger.Info("long-running transcription done", "segments", len(parts), "confidence", out.Confidence)
	return out
}

func recognitionConfig(opts Options) (*speechpb.RecognitionConfig, error) {
	if opts.LanguageCode == "" {
		opts.LanguageCode = DefaultOptions.LanguageCode
	}
	if opts.Encoding == "" {
		opts.Encoding = DefaultOptions.Encoding
	}
	if opts.SampleRateHertz == 0 {
		opts.SampleRateHertz = DefaultOptions.SampleRateHertz
	}
	enc, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(opts.Encoding)]
	if !ok {
		return nil, fmt.Errorf("unknown audio encoding %q", opts.Encoding)
	}
	return &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_AudioEncoding(enc),
		SampleRateHertz:            opts.SampleRateHertz,
		LanguageCode:               opts.LanguageCode,
		EnableAutomaticPunctuation: true,
		UseEnhanced:                true,
		Model:                      "default",
	}, nil
}

func failure(reason string) domain.TranscriptionResult {
	return domain.TranscriptionResult{Success: false, Error: reason}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}
