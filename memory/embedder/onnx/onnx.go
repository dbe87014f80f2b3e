//go:build onnx

// Package onnx embeds text locally with a sentence-transformer model run
// by ONNX Runtime. Build with -tags onnx; the runtime shared library must
// be installed separately.
package onnx

import (
	"context"
	"math"
	"sync"

	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// DefaultDimensions is the hidden size of all-MiniLM-L6-v2.
	DefaultDimensions = 384

	// DefaultSequenceLength is the padded input length fed to the model.
	DefaultSequenceLength = 128
)

// Config configures the ONNX embedder.
type Config struct {
	// LibraryPath locates libonnxruntime. Empty uses the platform default
	// search path.
	LibraryPath string

	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the matching tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size.
	// Default: 384
	Dimensions int

	// SequenceLength is the token window, including [CLS] and [SEP].
	// Default: 128
	SequenceLength int
}

var initOnce sync.Once
var initErr error

func initRuntime(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// Embedder generates mean-pooled, normalized sentence embeddings.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordPiece
	dimensions int
	seqLen     int

	// A session is not safe for concurrent Run calls.
	mu sync.Mutex
}

// New loads the model and tokenizer.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, goerr.New("onnx model path is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, goerr.New("onnx tokenizer path is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.SequenceLength < 3 {
		cfg.SequenceLength = DefaultSequenceLength
	}

	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize onnx runtime", goerr.V("library", cfg.LibraryPath))
	}

	tokenizer, err := loadWordPiece(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create onnx session", goerr.V("model", cfg.ModelPath))
	}

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		seqLen:     cfg.SequenceLength,
	}, nil
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ids, mask := e.frame(e.tokenizer.encode(text))
	types := make([]int64, e.seqLen)

	shape := ort.NewShape(1, int64(e.seqLen))
	inputs := make([]ort.Value, 0, 3)
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{ids, mask, types} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create input tensor")
		}
		inputs = append(inputs, tensor)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, goerr.Wrap(err, "onnx inference failed")
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || out == nil {
		return nil, goerr.New("unexpected onnx output tensor")
	}

	vec, err := e.pool(out.GetShape(), out.GetData(), mask)
	if err != nil {
		return nil, err
	}

	logging.Component(ctx, "onnx").Debug("embedded text", "tokens", countAttended(mask))
	return normalize(vec), nil
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	if err := e.session.Destroy(); err != nil {
		return goerr.Wrap(err, "failed to destroy onnx session")
	}
	return nil
}

// frame wraps tokens in [CLS] ... [SEP] and pads to the sequence length.
func (e *Embedder) frame(tokens []int64) (ids, mask []int64) {
	ids = make([]int64, e.seqLen)
	mask = make([]int64, e.seqLen)

	if len(tokens) > e.seqLen-2 {
		tokens = tokens[:e.seqLen-2]
	}

	ids[0], mask[0] = tokenCLS, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = tokenSEP, 1
	return ids, mask
}

// pool accepts either pre-pooled [1, hidden] output or token-level
// [1, seq, hidden] output, mean-pooling the latter over attended tokens.
func (e *Embedder) pool(shape ort.Shape, data []float32, mask []int64) ([]float32, error) {
	vec := make([]float32, e.dimensions)

	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, goerr.New("onnx output too small",
				goerr.V("got", len(data)), goerr.V("want", e.dimensions))
		}
		copy(vec, data[:e.dimensions])
		return vec, nil

	case 3:
		if shape[0] != 1 || shape[2] != int64(e.dimensions) {
			return nil, goerr.New("unexpected onnx output shape", goerr.V("shape", shape))
		}
		seq, hidden := int(shape[1]), int(shape[2])
		attended := 0
		for i := 0; i < seq && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				vec[j] += v
			}
		}
		if attended > 0 {
			for j := range vec {
				vec[j] /= float32(attended)
			}
		}
		return vec, nil
	}

	return nil, goerr.New("unexpected onnx output shape", goerr.V("shape", shape))
}

func countAttended(mask []int64) int {
	n := 0
	for _, m := range mask {
		n += int(m)
	}
	return n
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
