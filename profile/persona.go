package profile

import (
	"encoding/json"
	"strings"

	"github.com/ka1naas/Research-Engram/llm"
)

// Persona is the consolidated description of a user: an ordered list of
// short trait statements ("studies NLP", "prefers concise answers").
type Persona struct {
	Traits []string `json:"traits"`
}

// NewPersona builds a persona from traits, dropping blanks.
func NewPersona(traits ...string) Persona {
	p := Persona{Traits: make([]string, 0, len(traits))}
	for _, t := range traits {
		if t = strings.TrimSpace(t); t != "" {
			p.Traits = append(p.Traits, t)
		}
	}
	return p
}

// Empty reports whether the persona has no traits.
func (p Persona) Empty() bool {
	return len(p.Traits) == 0
}

// Encode serializes the persona for storage as a JSON array.
func (p Persona) Encode() string {
	traits := p.Traits
	if traits == nil {
		traits = []string{}
	}
	raw, _ := json.Marshal(traits)
	return string(raw)
}

// String renders the persona as a bullet list for prompts.
func (p Persona) String() string {
	if p.Empty() {
		return "(no persona yet)"
	}
	var b strings.Builder
	for i, t := range p.Traits {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(t)
	}
	return b.String()
}

// Mentions reports whether any trait contains s, ignoring case.
func (p Persona) Mentions(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, t := range p.Traits {
		if strings.Contains(strings.ToLower(t), s) {
			return true
		}
	}
	return false
}

// ParsePersona decodes a model reply: either a JSON array of strings or an
// object {"traits": [...]}, optionally fenced. Anything else is
// core.ErrMalformedResponse.
func ParsePersona(reply string) (Persona, error) {
	traits, err := llm.DecodeStringList(reply, "traits")
	if err != nil {
		return Persona{}, err
	}
	return NewPersona(traits...), nil
}

// DecodePersona reads a stored persona. Stored values written before the
// JSON format (free text) become a single trait, so reading never fails.
func DecodePersona(stored string) Persona {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return Persona{}
	}

	var traits []string
	if err := json.Unmarshal([]byte(stored), &traits); err == nil {
		return NewPersona(traits...)
	}
	var obj Persona
	if err := json.Unmarshal([]byte(stored), &obj); err == nil && obj.Traits != nil {
		return NewPersona(obj.Traits...)
	}
	return NewPersona(stored)
}
