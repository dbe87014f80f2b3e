package profile

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/m-mizutani/goerr/v2"
)

// MemoryRepository keeps profiles and messages in process memory. It
// implements both Repository and InteractionLog.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	messages []*Message
	now      func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, userID string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return nil, core.NotFound("user not found", goerr.V("user_id", userID))
	}
	return clone(p), nil
}

// Create implements Repository.
func (r *MemoryRepository) Create(ctx context.Context, userID string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.profiles[userID]; ok {
		return clone(p), nil
	}
	p := &Profile{UserID: userID}
	r.profiles[userID] = p
	return clone(p), nil
}

// Save implements Repository.
func (r *MemoryRepository) Save(ctx context.Context, userID string, persona Persona, watermark time.Time, pending []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID}
		r.profiles[userID] = p
	}
	if err := CheckWatermark(userID, p.LastConsolidation, watermark); err != nil {
		return err
	}

	p.Persona = NewPersona(persona.Traits...)
	p.LastConsolidation = watermark
	p.PendingKnowledge = slices.Clone(pending)
	return nil
}

// ClearPending implements Repository.
func (r *MemoryRepository) ClearPending(ctx context.Context, userID string, watermark time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[userID]
	if !ok {
		return core.NotFound("user not found", goerr.V("user_id", userID))
	}
	if p.LastConsolidation.Equal(watermark) {
		p.PendingKnowledge = nil
	}
	return nil
}

// Users implements Repository.
func (r *MemoryRepository) Users(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Append implements InteractionLog.
func (r *MemoryRepository) Append(ctx context.Context, msg *Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *msg
	stored.ID = int64(len(r.messages) + 1)
	if stored.Timestamp.IsZero() {
		stored.Timestamp = r.now()
	}
	r.messages = append(r.messages, &stored)

	msg.ID = stored.ID
	msg.Timestamp = stored.Timestamp
	return stored.ID, nil
}

// MessagesSince implements InteractionLog.
func (r *MemoryRepository) MessagesSince(ctx context.Context, userID string, since time.Time) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Message
	for _, m := range r.messages {
		if m.UserID == userID && m.Timestamp.After(since) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

// History implements InteractionLog.
func (r *MemoryRepository) History(ctx context.Context, userID, scopeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Message
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.messages[i]
		if m.UserID == userID && m.ScopeID == scopeID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func clone(p *Profile) *Profile {
	cp := *p
	cp.Persona = NewPersona(p.Persona.Traits...)
	cp.PendingKnowledge = slices.Clone(p.PendingKnowledge)
	return &cp
}
