// Package profile holds the per-user records the memory subsystem reads
// and writes outside the vector index: the consolidated persona with its
// watermark, and the raw interaction log.
//
// Backends: MemoryRepository (in-process), profile/sqlite and
// profile/firestore.
package profile

import (
	"context"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/m-mizutani/goerr/v2"
)

// Profile is the consolidated state of one user.
type Profile struct {
	UserID  string
	Persona Persona

	// LastConsolidation is the watermark: evidence at or before it has
	// already been folded into Persona. Zero means never consolidated.
	LastConsolidation time.Time

	// PendingKnowledge holds the implicit knowledge committed together with
	// LastConsolidation that has not been indexed as traces yet.
	PendingKnowledge []string
}

// Repository stores profiles.
type Repository interface {
	// Get returns the profile of userID or core.ErrNotFound.
	Get(ctx context.Context, userID string) (*Profile, error)

	// Create registers userID with an empty persona. Creating an existing
	// user returns the stored profile unchanged.
	Create(ctx context.Context, userID string) (*Profile, error)

	// Save replaces the persona and the pending knowledge and advances the
	// watermark in one write. It refuses to move the watermark backwards.
	Save(ctx context.Context, userID string, persona Persona, watermark time.Time, pending []string) error

	// ClearPending drops the pending knowledge once it is indexed. It is a
	// no-op when the stored watermark is no longer watermark.
	ClearPending(ctx context.Context, userID string, watermark time.Time) error

	// Users lists every known user id in ascending order.
	Users(ctx context.Context) ([]string, error)
}

// Message is one chat message of the interaction log.
type Message struct {
	ID        int64
	UserID    string
	ScopeID   string
	Role      core.Role
	Content   string
	Timestamp time.Time
}

// InteractionLog is the append-only chat history.
type InteractionLog interface {
	// Append stores msg and returns its id. Ids increase monotonically. A
	// zero timestamp is set to now.
	Append(ctx context.Context, msg *Message) (int64, error)

	// MessagesSince returns the user's messages strictly after since,
	// oldest first, across every scope.
	MessagesSince(ctx context.Context, userID string, since time.Time) ([]*Message, error)

	// History returns the last limit messages of one scope, oldest first.
	History(ctx context.Context, userID, scopeID string, limit int) ([]*Message, error)
}

// CheckWatermark rejects a save that would move the watermark backwards.
func CheckWatermark(userID string, prev, next time.Time) error {
	if next.Before(prev) {
		return goerr.New("watermark cannot move backwards",
			goerr.V("user_id", userID),
			goerr.V("current", core.FormatTime(prev)),
			goerr.V("requested", core.FormatTime(next)),
		)
	}
	return nil
}
