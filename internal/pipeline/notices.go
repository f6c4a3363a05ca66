package pipeline

import (
	"fmt"
	"math"
)

// Fixed notices sent to the sender when a step fails.
const (
	NoticeAudioMissing     = "Sorry, I couldn't find the audio in your message. Please send it again."
	NoticeDownloadFailed   = "Sorry, I couldn't download your voice message. Please try again."
	NoticeNotUnderstood    = "Sorry, I couldn't understand your voice message. Could you repeat it or type it instead?"
	NoticeProcessingFailed = "Sorry, something went wrong while processing your message. Please try again in a moment."
	NoticeUnsupported      = "Sorry, I can only handle text and voice messages for now."
)

// AdvisoryNotice quotes a low-confidence transcript back to the sender.
func AdvisoryNotice(transcript string) string {
	return fmt.Sprintf("I heard: \"%s\"\nIf that's not what you meant, please send your message again.", transcript)
}

// ConfidencePreface is prepended to transcribed text sent to the engine.
func ConfidencePreface(confidence float64) string {
	return fmt.Sprintf("[transcribed, %d%% confidence] ", int(math.Round(confidence*100)))
}
