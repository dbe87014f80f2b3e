// Package firestore stores profiles and the interaction log in Cloud
// Firestore.
//
// Layout:
//
//	profiles/{user_id}      persona, last_consolidation, pending_knowledge
//	messages/{seq}          one chat message, seq zero-padded
//	counters/messages       next message id
//
// History needs a composite index on messages (user_id, scope_id, id desc)
// and MessagesSince one on (user_id, created_at).
package firestore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionProfiles = "profiles"
	collectionMessages = "messages"
	collectionCounters = "counters"
	counterMessages    = "messages"
)

type profileDoc struct {
	Persona           []string  `firestore:"persona"`
	LastConsolidation string    `firestore:"last_consolidation"`
	PendingKnowledge  []string  `firestore:"pending_knowledge"`
	UpdatedAt         time.Time `firestore:"updated_at"`
}

type messageDoc struct {
	ID        int64  `firestore:"id"`
	UserID    string `firestore:"user_id"`
	ScopeID   string `firestore:"scope_id"`
	Role      string `firestore:"role"`
	Content   string `firestore:"content"`
	CreatedAt string `firestore:"created_at"`
}

type counterDoc struct {
	Next int64 `firestore:"next"`
}

// Store implements profile.Repository and profile.InteractionLog.
type Store struct {
	client *firestore.Client
	now    func() time.Time
}

// New connects to databaseID in projectID with application default
// credentials.
func New(ctx context.Context, projectID, databaseID string) (*Store, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID),
		)
	}
	return &Store{client: client, now: time.Now}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func toProfile(userID string, doc *profileDoc) (*profile.Profile, error) {
	p := &profile.Profile{
		UserID:           userID,
		Persona:          profile.NewPersona(doc.Persona...),
		PendingKnowledge: doc.PendingKnowledge,
	}
	if doc.LastConsolidation != "" {
		ts, err := core.ParseTime(doc.LastConsolidation)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt watermark", goerr.V("user_id", userID))
		}
		p.LastConsolidation = ts
	}
	return p, nil
}

// Get implements profile.Repository.
func (s *Store) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	snap, err := s.client.Collection(collectionProfiles).Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, core.NotFound("user not found", goerr.V("user_id", userID))
		}
		return nil, goerr.Wrap(err, "failed to get profile", goerr.V("user_id", userID))
	}

	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode profile", goerr.V("user_id", userID))
	}
	return toProfile(userID, &doc)
}

// Create implements profile.Repository.
func (s *Store) Create(ctx context.Context, userID string) (*profile.Profile, error) {
	_, err := s.client.Collection(collectionProfiles).Doc(userID).Create(ctx, profileDoc{
		Persona:   []string{},
		UpdatedAt: s.now(),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, goerr.Wrap(err, "failed to create profile", goerr.V("user_id", userID))
	}
	return s.Get(ctx, userID)
}

// Save implements profile.Repository. The watermark check and the write
// happen in one transaction.
func (s *Store) Save(ctx context.Context, userID string, persona profile.Persona, watermark time.Time, pending []string) error {
	ref := s.client.Collection(collectionProfiles).Doc(userID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return goerr.Wrap(err, "failed to read profile", goerr.V("user_id", userID))
		default:
			var doc profileDoc
			if err := snap.DataTo(&doc); err != nil {
				return goerr.Wrap(err, "failed to decode profile", goerr.V("user_id", userID))
			}
			current, err := toProfile(userID, &doc)
			if err != nil {
				return err
			}
			if err := profile.CheckWatermark(userID, current.LastConsolidation, watermark); err != nil {
				return err
			}
		}

		traits := persona.Traits
		if traits == nil {
			traits = []string{}
		}
		if pending == nil {
			pending = []string{}
		}
		return tx.Set(ref, profileDoc{
			Persona:           traits,
			LastConsolidation: core.FormatTime(watermark),
			PendingKnowledge:  pending,
			UpdatedAt:         s.now(),
		})
	})
	if err != nil {
		return goerr.Wrap(err, "failed to save profile", goerr.V("user_id", userID))
	}
	return nil
}

// ClearPending implements profile.Repository.
func (s *Store) ClearPending(ctx context.Context, userID string, watermark time.Time) error {
	ref := s.client.Collection(collectionProfiles).Doc(userID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc profileDoc
		if err := snap.DataTo(&doc); err != nil {
			return goerr.Wrap(err, "failed to decode profile", goerr.V("user_id", userID))
		}
		if doc.LastConsolidation != core.FormatTime(watermark) {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "pending_knowledge", Value: []string{}},
			{Path: "updated_at", Value: s.now()},
		})
	})
	if err != nil {
		if isNotFound(err) {
			return core.NotFound("user not found", goerr.V("user_id", userID))
		}
		return goerr.Wrap(err, "failed to clear pending knowledge", goerr.V("user_id", userID))
	}
	return nil
}

// Users implements profile.Repository.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	snaps, err := s.client.Collection(collectionProfiles).Select().Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list profiles")
	}

	users := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		users = append(users, snap.Ref.ID)
	}
	slices.Sort(users)
	return users, nil
}

// Append implements profile.InteractionLog. Ids come from a counter
// document incremented in the same transaction as the message write.
func (s *Store) Append(ctx context.Context, msg *profile.Message) (int64, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	counter := s.client.Collection(collectionCounters).Doc(counterMessages)

	var id int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var c counterDoc
		snap, err := tx.Get(counter)
		switch {
		case isNotFound(err):
		case err != nil:
			return goerr.Wrap(err, "failed to read message counter")
		default:
			if err := snap.DataTo(&c); err != nil {
				return goerr.Wrap(err, "failed to decode message counter")
			}
		}

		id = c.Next + 1
		if err := tx.Set(counter, counterDoc{Next: id}); err != nil {
			return err
		}
		return tx.Create(s.client.Collection(collectionMessages).Doc(fmt.Sprintf("%020d", id)), messageDoc{
			ID:        id,
			UserID:    msg.UserID,
			ScopeID:   msg.ScopeID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: core.FormatTime(msg.Timestamp),
		})
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append message", goerr.V("user_id", msg.UserID))
	}

	msg.ID = id
	return id, nil
}

// MessagesSince implements profile.InteractionLog.
func (s *Store) MessagesSince(ctx context.Context, userID string, since time.Time) ([]*profile.Message, error) {
	q := s.client.Collection(collectionMessages).
		Where("user_id", "==", userID).
		Where("created_at", ">", core.FormatTime(since)).
		OrderBy("created_at", firestore.Asc)

	msgs, err := readMessages(q.Documents(ctx))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("user_id", userID))
	}
	return msgs, nil
}

// History implements profile.InteractionLog.
func (s *Store) History(ctx context.Context, userID, scopeID string, limit int) ([]*profile.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := s.client.Collection(collectionMessages).
		Where("user_id", "==", userID).
		Where("scope_id", "==", scopeID).
		OrderBy("id", firestore.Desc).
		Limit(limit)

	msgs, err := readMessages(q.Documents(ctx))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query history",
			goerr.V("user_id", userID), goerr.V("scope_id", scopeID))
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func readMessages(it *firestore.DocumentIterator) ([]*profile.Message, error) {
	defer it.Stop()

	var msgs []*profile.Message
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("doc", snap.Ref.ID))
		}
		ts, err := core.ParseTime(doc.CreatedAt)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt message timestamp", goerr.V("doc", snap.Ref.ID))
		}
		msgs = append(msgs, &profile.Message{
			ID:        doc.ID,
			UserID:    doc.UserID,
			ScopeID:   doc.ScopeID,
			Role:      core.Role(doc.Role),
			Content:   doc.Content,
			Timestamp: ts,
		})
	}
	return msgs, nil
}
