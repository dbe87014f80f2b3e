package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ka1naas/Research-Engram/core"
)

// Role tags a trace and decides which pipelines select it.
type Role string

const (
	RoleUserUtterance     Role = "user_utterance"
	RoleAIUtterance       Role = "ai_utterance"
	RolePaperSummary      Role = "paper_summary"
	RolePaperCritique     Role = "paper_critique"
	RoleExplicitKnowledge Role = "explicit_knowledge"
	RoleImplicitKnowledge Role = "implicit_knowledge"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUserUtterance, RoleAIUtterance, RolePaperSummary,
		RolePaperCritique, RoleExplicitKnowledge, RoleImplicitKnowledge:
		return true
	}
	return false
}

// Label is a human-readable speaker label used in transcripts.
func (r Role) Label() string {
	switch r {
	case RoleUserUtterance:
		return "User"
	case RoleAIUtterance:
		return "Assistant"
	case RolePaperSummary:
		return "Paper summary"
	case RolePaperCritique:
		return "Paper critique"
	case RoleExplicitKnowledge:
		return "Saved knowledge"
	case RoleImplicitKnowledge:
		return "Learned knowledge"
	}
	return string(r)
}

// Metadata keys written for every trace.
const (
	KeyRole      = "role"
	KeyOwnerID   = "owner_id"
	KeyScopeID   = "scope_id"
	KeyTimestamp = "timestamp"
)

// Trace is the atomic unit of memory. It is immutable once written.
type Trace struct {
	ID        string
	Content   string
	Role      Role
	OwnerID   string
	ScopeID   string // empty = global
	Timestamp time.Time

	// Extra carries additional string metadata (for example paper_id).
	// Keys colliding with the reserved ones above are ignored.
	Extra map[string]string
}

// NewTraceID returns a time-prefixed unique id. The prefix keeps ids
// roughly sortable; the uuid suffix keeps concurrent writers apart.
func NewTraceID(ts time.Time) string {
	return ts.UTC().Format("20060102150405.000000") + "-" + uuid.NewString()[:8]
}

// Metadata renders the trace as index metadata.
func (t *Trace) Metadata() map[string]string {
	md := make(map[string]string, len(t.Extra)+4)
	for k, v := range t.Extra {
		md[k] = v
	}
	md[KeyRole] = string(t.Role)
	md[KeyOwnerID] = t.OwnerID
	md[KeyScopeID] = t.ScopeID
	md[KeyTimestamp] = core.FormatTime(t.Timestamp)
	return md
}

// TraceFromRecord rebuilds a trace from an index record. A missing or
// malformed timestamp yields the zero time.
func TraceFromRecord(rec Record) *Trace {
	t := &Trace{
		ID:      rec.ID,
		Content: rec.Content,
		Role:    Role(rec.Metadata[KeyRole]),
		OwnerID: rec.Metadata[KeyOwnerID],
		ScopeID: rec.Metadata[KeyScopeID],
	}
	if ts, err := core.ParseTime(rec.Metadata[KeyTimestamp]); err == nil {
		t.Timestamp = ts
	}
	for k, v := range rec.Metadata {
		switch k {
		case KeyRole, KeyOwnerID, KeyScopeID, KeyTimestamp:
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]string)
		}
		t.Extra[k] = v
	}
	return t
}

// Format renders the trace as one transcript line for prompt injection,
// truncating content to maxLen characters when maxLen > 0.
func (t *Trace) Format(maxLen int) string {
	content := t.Content
	if maxLen > 0 {
		content = Truncate(content, maxLen)
	}
	return fmt.Sprintf("[%s] %s: %s", t.Timestamp.UTC().Format(time.DateTime), t.Role.Label(), content)
}

// Truncate cuts s to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}

// Preview returns the first n runes of s without an ellipsis.
func Preview(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n])
}
