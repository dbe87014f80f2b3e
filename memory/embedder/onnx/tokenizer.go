//go:build onnx

package onnx

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
)

// Special token ids shared by the bert-base-uncased vocabulary family.
const (
	tokenUNK = 100
	tokenCLS = 101
	tokenSEP = 102
)

// wordPiece is a minimal lower-casing WordPiece tokenizer driven by the
// vocab section of a HuggingFace tokenizer.json.
type wordPiece struct {
	vocab map[string]int
	unk   int64
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tokenizer", goerr.V("path", path))
	}

	var tok struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, goerr.Wrap(err, "failed to parse tokenizer", goerr.V("path", path))
	}
	if len(tok.Model.Vocab) == 0 {
		return nil, goerr.New("tokenizer has no vocabulary", goerr.V("path", path))
	}

	unk := int64(tokenUNK)
	if id, ok := tok.Model.Vocab["[UNK]"]; ok {
		unk = int64(id)
	}
	return &wordPiece{vocab: tok.Model.Vocab, unk: unk}, nil
}

// encode returns token ids for text without the [CLS]/[SEP] framing.
func (w *wordPiece) encode(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := w.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, w.pieces(word)...)
	}
	return ids
}

// pieces splits word greedily into the longest known prefixes; unmatched
// runes become [UNK].
func (w *wordPiece) pieces(word string) []int64 {
	runes := []rune(word)
	var ids []int64

	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := w.vocab[piece]; ok {
				ids = append(ids, int64(id))
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, w.unk)
			end = start + 1
		}
		start = end
	}
	return ids
}

// splitWords breaks on whitespace and isolates punctuation as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
