package domain

// TranscriptionResult is produced once per audio message and never persisted.
type TranscriptionResult struct {
	Success    bool    `json:"success"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Error      string  `json:"error,omitempty"`
}
