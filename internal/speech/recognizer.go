package speech

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// Recognizer is the subset of the Speech-to-Text API the transcriber calls.
type Recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	Close() error
}

// CloudRecognizer adapts *speech.Client to Recognizer. Credentials come from
// Application Default Credentials.
type CloudRecognizer struct {
	client *speech.Client
}

func NewCloudRecognizer(ctx context.Context) (*CloudRecognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating speech client: %w", err)
	}
	return &CloudRecognizer{client: c}, nil
}

func (r *CloudRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return r.client.Recognize(ctx, req)
}

// LongRunningRecognize starts the operation and blocks until it completes or
// ctx expires.
func (r *CloudRecognizer) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := r.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (r *CloudRecognizer) Close() error {
	return r.client.Close()
}
