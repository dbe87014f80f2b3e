//go:build !onnx

package cli

import (
	"github.com/ka1naas/Research-Engram/config"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
)

func newONNXEmbedder(cfg config.Embedder) (memory.Embedder, func() error, error) {
	return nil, nil, goerr.New("onnx embedder is not compiled in; rebuild with -tags onnx",
		goerr.V("model_path", cfg.ModelPath))
}
