// Package pipeline handles WhatsApp webhook deliveries: verification, event
// decoding and the per-message text/voice pipeline.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"agentbridge/internal/dedupe"
	"agentbridge/internal/domain"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
	"agentbridge/internal/session"
	"agentbridge/internal/speech"
	"agentbridge/internal/whatsapp"
)

// NoticeGrace is how long past the event deadline failure notices may still
// be delivered. All notices of one delivery share it.
const NoticeGrace = 15 * time.Second

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts speech.Options) domain.TranscriptionResult
}

// SessionResolver returns the engine session for a sender.
type SessionResolver interface {
	ResolveOrCreate(ctx context.Context, userKey string) (string, error)
}

// MessageSender submits text to an engine session and returns the reply.
type MessageSender interface {
	SendMessage(ctx context.Context, userID, sessionID, text string) (string, error)
}

// IngestorConfig wires an Ingestor to its collaborators.
type IngestorConfig struct {
	VerifyToken string
	AppSecret   string // empty disables signature checks

	Downloader  domain.MediaDownloader
	Transcriber Transcriber
	Sessions    SessionResolver
	Engine      MessageSender
	Dispatcher  domain.Dispatcher
	Dedupe      *dedupe.Cache // optional

	SpeechOptions     speech.Options
	AdvisoryThreshold float64 // 0 disables the advisory notice
	PrefaceThreshold  float64 // 0 disables the confidence preface
	MaxConcurrency    int
	EventTimeout      time.Duration

	Logger *slog.Logger
}

// EventReport summarizes one delivery. It is always acknowledged with 200.
type EventReport struct {
	Status    string          `json:"status"`
	Processed int             `json:"processed"`
	Results   []domain.Result `json:"results,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Ingestor struct {
	verifyToken string
	appSecret   string

	downloader  domain.MediaDownloader
	transcriber Transcriber
	sessions    SessionResolver
	engine      MessageSender
	dispatcher  domain.Dispatcher
	dedupe      *dedupe.Cache

	speechOpts    speech.Options
	advisoryBelow float64
	prefaceBelow  float64
	concurrency   int
	eventTimeout  time.Duration

	logger *slog.Logger
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 120 * time.Second
	}
	if cfg.SpeechOptions == (speech.Options{}) {
		cfg.SpeechOptions = speech.DefaultOptions
	}
	return &Ingestor{
		verifyToken:   cfg.VerifyToken,
		appSecret:     cfg.AppSecret,
		downloader:    cfg.Downloader,
		transcriber:   cfg.Transcriber,
		sessions:      cfg.Sessions,
		engine:        cfg.Engine,
		dispatcher:    cfg.Dispatcher,
		dedupe:        cfg.Dedupe,
		speechOpts:    cfg.SpeechOptions,
		advisoryBelow: cfg.AdvisoryThreshold,
		prefaceBelow:  cfg.PrefaceThreshold,
		concurrency:   cfg.MaxConcurrency,
		eventTimeout:  cfg.EventTimeout,
		logger:        cfg.Logger,
	}
}

// Verify answers the platform's subscription handshake.
func (i *Ingestor) Verify(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || i.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(i.verifyToken)) != 1 {
		return "", domain.ErrAuthentication
	}
	return challenge, nil
}

// Authentic checks the X-Hub-Signature-256 header when an app secret is set.
func (i *Ingestor) Authentic(body []byte, signature string) bool {
	if i.appSecret == "" {
		return true
	}
	return whatsapp.VerifySignature(body, i.appSecret, signature)
}

// HandleEvent processes every message in one delivery and waits for all of
// them. It never fails: problems are reported in the EventReport.
func (i *Ingestor) HandleEvent(ctx context.Context, body []byte) (report EventReport) {
	logger := logging.FromContext(ctx, i.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
			report = EventReport{Status: "error", Error: fmt.Sprint(r)}
		}
	}()

	msgs, err := whatsapp.ParseEvent(body)
	if err != nil {
		logger.Warn("malformed webhook event", "err", err)
		return EventReport{Status: "error", Error: err.Error()}
	}
	if len(msgs) == 0 {
		return EventReport{Status: "ok"}
	}

	// The platform does not wait for us; keep going if the request goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.eventTimeout)
	defer cancel()

	results := make([]domain.Result, len(msgs))
	var g errgroup.Group
	g.SetLimit(i.concurrency)
	for idx, msg := range msgs {
		g.Go(func() error {
			if ctx.Err() != nil {
				// Deadline passed while waiting for a slot.
				logger.Warn("event deadline passed, message not processed", "message_id", msg.ID, "from", msg.SenderID)
				metrics.PipelineResult(string(domain.ResultFailed))
				results[idx] = domain.Failed(msg, "event deadline exceeded before processing")
				return nil
			}
			results[idx] = i.handleMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	logger.Debug("event handled", "messages", len(results), "failed", failed)

	return EventReport{Status: "ok", Processed: len(results), Results: results}
}

func (i *Ingestor) handleMessage(ctx context.Context, msg domain.InboundMessage) (res domain.Result) {
	logger := logging.FromContext(ctx, i.logger).With("from", msg.SenderID, "kind", msg.Kind.String(), "message_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in message pipeline", "panic", r, "stack", string(debug.Stack()))
			res = domain.Failed(msg, fmt.Sprintf("panic: %v", r))
		}
		metrics.PipelineResult(string(res.Status))
	}()

	if msg.ID != "" && i.dedupe != nil && i.dedupe.Seen(msg.ID) {
		metrics.DuplicateDropped()
		logger.Info("skipping redelivered message")
		res = domain.Ok(msg)
		res.Reason = "duplicate"
		return res
	}
	metrics.MessageReceived(msg.Kind.String())

	switch msg.Kind {
	case domain.KindText:
		return i.forward(ctx, logger, msg, msg.Text, false, 0)
	case domain.KindAudio:
		return i.handleAudio(ctx, logger, msg)
	default:
		logger.Info("unsupported message type", "type", msg.Type)
		if err := i.sendNotice(ctx, logger, msg.SenderID, "unsupported", NoticeUnsupported); err != nil {
			return domain.Failed(msg, err.Error())
		}
		return domain.Ok(msg)
	}
}

func (i *Ingestor) handleAudio(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) domain.Result {
	if msg.AudioID == "" {
		return i.notify(ctx, logger, msg, "audio_missing", NoticeAudioMissing, "audio message without media id")
	}

	audio, err := i.downloader.Download(ctx, msg.AudioID)
	if err != nil {
		logger.Error("audio download failed", "media_id", msg.AudioID, "err", err)
		return i.notify(ctx, logger, msg, "download_failed", NoticeDownloadFailed, err.Error())
	}

	tr := i.transcriber.Transcribe(ctx, audio, i.speechOpts)
	if !tr.Success {
		terr := &domain.TranscriptionError{Reason: tr.Error}
		logger.Warn("transcription failed", "err", terr)
		return i.notify(ctx, logger, msg, "not_understood", NoticeNotUnderstood, terr.Error())
	}
	logger.Info("voice note transcribed", "confidence", tr.Confidence)

	if tr.Confidence < i.advisoryBelow {
		// Advisory only; a delivery failure does not stop the pipeline.
		_ = i.sendNotice(ctx, logger, msg.SenderID, "low_confidence", AdvisoryNotice(tr.Transcript))
	}

	return i.forward(ctx, logger, msg, tr.Transcript, true, tr.Confidence)
}

// forward sends text to the sender's engine session and relays the reply.
func (i *Ingestor) forward(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, text string, transcribed bool, confidence float64) domain.Result {
	if transcribed && confidence < i.prefaceBelow {
		text = ConfidencePreface(confidence) + text
	}

	reply, err := i.ask(ctx, msg.SenderID, text)
	if err != nil {
		logger.Error("engine processing failed", "err", err, "error_kind", errorKind(err))
		return i.notify(ctx, logger, msg, "processing_failed", NoticeProcessingFailed, err.Error())
	}

	if err := i.deliver(ctx, domain.OutboundMessage{RecipientID: msg.SenderID, Body: reply}); err != nil {
		logger.Error("reply delivery failed", "err", err)
		return domain.Failed(msg, err.Error())
	}
	logger.Info("reply delivered", "reply_len", len(reply))
	return domain.Ok(msg)
}

func (i *Ingestor) ask(ctx context.Context, sender, text string) (string, error) {
	sessionID, err := i.sessions.ResolveOrCreate(ctx, sender)
	if err != nil {
		return "", err
	}
	return i.engine.SendMessage(ctx, session.UserIDFor(sender), sessionID, text)
}

// notify sends a fixed notice and reports the message as failed with reason.
func (i *Ingestor) notify(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, kind, notice, reason string) domain.Result {
	if err := i.sendNotice(ctx, logger, msg.SenderID, kind, notice); err != nil {
		return domain.Failed(msg, reason+"; notice not delivered: "+err.Error())
	}
	return domain.Failed(msg, reason)
}

// sendNotice detaches from ctx so a notice still goes out after a timeout.
// Every notice of one delivery must finish by the event deadline plus
// NoticeGrace.
func (i *Ingestor) sendNotice(ctx context.Context, logger *slog.Logger, to, kind, notice string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now()
	}
	ctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline.Add(NoticeGrace))
	defer cancel()

	if err := i.deliver(ctx, domain.OutboundMessage{RecipientID: to, Body: notice}); err != nil {
		logger.Error("notice delivery failed", "notice", kind, "err", err)
		return err
	}
	metrics.NoticeSent(kind)
	return nil
}

func (i *Ingestor) deliver(ctx context.Context, out domain.OutboundMessage) error {
	return i.dispatcher.Send(ctx, out.RecipientID, out.Body)
}

func errorKind(err error) string {
	var (
		sce *domain.SessionCreationError
		ee  *domain.EngineError
	)
	switch {
	case errors.As(err, &sce):
		return "session_creation"
	case errors.As(err, &ee):
		return "engine"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
