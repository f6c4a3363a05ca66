package metrics

// MessageReceived counts one inbound message of the given kind.
func MessageReceived(kind string) {
	Default.Counter("messages_total", "Inbound WhatsApp messages by kind", `kind="`+kind+`"`).Inc()
}

// PipelineResult counts finished message pipelines by status.
func PipelineResult(status string) {
	Default.Counter("pipeline_results_total", "Finished message pipelines by status", `status="`+status+`"`).Inc()
}

// NoticeSent counts fixed notices sent to users.
func NoticeSent(notice string) {
	Default.Counter("notices_total", "Fixed notices sent to users", `notice="`+notice+`"`).Inc()
}

// SessionCreated counts engine sessions created by the registry.
func SessionCreated() {
	Default.Counter("sessions_created_total", "Reasoning engine sessions created", "").Inc()
}

// DuplicateDropped counts redelivered messages skipped by the dedupe cache.
func DuplicateDropped() {
	Default.Counter("duplicates_dropped_total", "Redelivered messages skipped", "").Inc()
}

// EngineLatency records the duration of one engine call in seconds.
func EngineLatency(op string, seconds float64) {
	Default.Histogram("engine_latency_seconds", "Reasoning engine call latency in seconds", `op="`+op+`"`,
		[]float64{0.5, 1, 2, 5, 10, 30, 60}).Observe(seconds)
}

// TranscriptionConfidence records the confidence of a successful transcription.
func TranscriptionConfidence(confidence float64) {
	Default.Histogram("transcription_confidence", "Speech-to-text confidence of successful transcriptions", "",
		[]float64{0.5, 0.6, 0.7, 0.8, 0.9, 1}).Observe(confidence)
}
