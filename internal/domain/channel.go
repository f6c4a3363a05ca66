package domain

import "context"

// Dispatcher sends text replies back through the messaging platform.
type Dispatcher interface {
	Send(ctx context.Context, recipientID string, body string) error
}

// MediaDownloader fetches the raw bytes of a media object by its platform id.
type MediaDownloader interface {
	Download(ctx context.Context, mediaID string) ([]byte, error)
}

