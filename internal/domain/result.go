package domain

// ResultStatus is the outcome of one message pipeline.
type ResultStatus string

const (
	ResultOK     ResultStatus = "ok"
	ResultFailed ResultStatus = "failed"
)

// Result is what the per-message pipeline reports back to the event handler.
// Both variants are acknowledged to the platform; Reason is kept for logging.
type Result struct {
	MessageID string       `json:"message_id,omitempty"`
	SenderID  string       `json:"from"`
	Kind      string       `json:"kind"`
	Status    ResultStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
}

func Ok(msg InboundMessage) Result {
	return Result{MessageID: msg.ID, SenderID: msg.SenderID, Kind: msg.Kind.String(), Status: ResultOK}
}

func Failed(msg InboundMessage, reason string) Result {
	return Result{MessageID: msg.ID, SenderID: msg.SenderID, Kind: msg.Kind.String(), Status: ResultFailed, Reason: reason}
}

func (r Result) Failed() bool { return r.Status == ResultFailed }
