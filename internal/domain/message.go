package domain

// MessageKind classifies an inbound WhatsApp message.
type MessageKind int

const (
	KindUnsupported MessageKind = iota
	KindText
	KindAudio
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAudio:
		return "audio"
	default:
		return "unsupported"
	}
}

// InboundMessage is one classified message taken from a webhook delivery.
type InboundMessage struct {
	ID       string // platform message id, may be empty
	SenderID string
	Kind     MessageKind
	Type     string // declared type as sent by the platform
	Text     string
	AudioID  string
}

// OutboundMessage is one text sent back to a user: a reply or a notice.
type OutboundMessage struct {
	RecipientID string
	Body        string
}
