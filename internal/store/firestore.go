package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agentbridge/internal/domain"
)

// FirestoreStore keeps one document per user key, id = user key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type sessionDoc struct {
	EngineSessionID string    `firestore:"engine_session_id"`
	CreatedAt       time.Time `firestore:"created_at"`
}

func NewFirestoreStore(ctx context.Context, projectID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("projectID is required for Firestore store")
	}
	if collection == "" {
		collection = "whatsapp_sessions"
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) doc(userKey string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(userKey)
}

func (s *FirestoreStore) Get(ctx context.Context, userKey string) (*domain.Session, error) {
	snap, err := s.doc(userKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore get session: %w", err)
	}

	var d sessionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("firestore decode session: %w", err)
	}
	return &domain.Session{UserKey: userKey, EngineSessionID: d.EngineSessionID, CreatedAt: d.CreatedAt}, nil
}

func (s *FirestoreStore) Put(ctx context.Context, sess domain.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.doc(sess.UserKey).Set(ctx, sessionDoc{
		EngineSessionID: sess.EngineSessionID,
		CreatedAt:       sess.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("firestore put session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, userKey string) (bool, error) {
	_, err := s.doc(userKey).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore delete session: %w", err)
	}
	return true, nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]domain.Session, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var out []domain.Session
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list sessions: %w", err)
		}
		var d sessionDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("firestore decode session %s: %w", snap.Ref.ID, err)
		}
		out = append(out, domain.Session{UserKey: snap.Ref.ID, EngineSessionID: d.EngineSessionID, CreatedAt: d.CreatedAt})
	}
	return out, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
