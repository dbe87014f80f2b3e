package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/m-mizutani/goerr/v2"
)

// StripFences removes markdown code fences (```json ... ```) that models
// wrap around structured replies.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...) on the opening line.
		if info := strings.TrimSpace(text[:nl]); !strings.ContainsAny(info, "{[") {
			text = text[nl+1:]
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// ExtractJSON returns the outermost JSON object or array found in text
// after fence stripping. Prose before or after the value is dropped. If no
// brace or bracket is present the stripped text is returned unchanged.
func ExtractJSON(text string) string {
	text = StripFences(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

// DecodeJSON decodes a model reply into T.
func DecodeJSON[T any](text string) (T, error) {
	var v T
	raw := ExtractJSON(text)
	if raw == "" {
		return v, core.Malformed(goerr.New("empty reply"), "failed to decode model reply")
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, core.Malformed(err, "failed to decode model reply", goerr.V("reply", truncate(raw, 200)))
	}
	return v, nil
}

// CompleteJSON calls client and decodes its reply into T.
func CompleteJSON[T any](ctx context.Context, client Client, messages []core.Message) (T, error) {
	text, err := client.Complete(ctx, messages)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeJSON[T](text)
}

// DecodeStringList accepts either a bare JSON array of strings or an
// object holding one under key. Blank entries are dropped. An empty array
// is a valid empty list; null, at the top level or under key, is
// core.ErrMalformedResponse.
func DecodeStringList(text, key string) ([]string, error) {
	raw := ExtractJSON(text)

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		if list == nil {
			return nil, core.Malformed(goerr.New("null list"), "failed to decode string list")
		}
	} else {
		var obj map[string]json.RawMessage
		if objErr := json.Unmarshal([]byte(raw), &obj); objErr != nil {
			return nil, core.Malformed(err, "failed to decode string list", goerr.V("reply", truncate(raw, 200)))
		}
		field, ok := obj[key]
		if !ok {
			return nil, core.Malformed(goerr.New("missing key"), "failed to decode string list", goerr.V("key", key))
		}
		if err := json.Unmarshal(field, &list); err != nil {
			return nil, core.Malformed(err, "failed to decode string list", goerr.V("key", key))
		}
		if list == nil {
			return nil, core.Malformed(goerr.New("null list"), "failed to decode string list", goerr.V("key", key))
		}
	}

	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// truncate cuts s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
