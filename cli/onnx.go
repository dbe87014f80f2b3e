//go:build onnx

package cli

import (
	"github.com/ka1naas/Research-Engram/config"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.Embedder) (memory.Embedder, func() error, error) {
	e, err := onnx.New(onnx.Config{
		LibraryPath:   cfg.LibraryPath,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		Dimensions:    cfg.Dimensions,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
