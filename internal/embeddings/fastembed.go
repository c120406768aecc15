//go:build cgo

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

var errProviderClosed = errors.New("fastembed provider closed")

// fastembedModels maps accepted model names, with and without the "fast-"
// prefix fastembed uses internally, to the ONNX model.
var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

func lookupFastEmbedModel(name string) (fastembed.EmbeddingModel, string, bool) {
	if m, ok := fastembedModels[name]; ok {
		return m, name, true
	}
	for canonical, m := range fastembedModels {
		if name == "fast-"+canonical[strings.LastIndex(canonical, "/")+1:] {
			return m, canonical, true
		}
	}
	return "", "", false
}

// FastEmbedProvider embeds manual chunks locally with an ONNX model, so
// ingestion works on sites without access to a hosted embedding API.
type FastEmbedProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	name      string
	dimension int
	batchSize int
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use. The ONNX runtime is found through ONNX_PATH, falling back to
// ~/.config/manualrag/lib.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultFastEmbedModel
	}
	model, canonical, ok := lookupFastEmbedModel(cfg.Model)
	if !ok {
		names := make([]string, 0, len(fastembedModels))
		for n := range fastembedModels {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: unsupported fastembed model %q (one of %s)",
			ErrInvalidConfig, cfg.Model, strings.Join(names, ", "))
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultModelCacheDir()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if os.Getenv("ONNX_PATH") == "" {
		if lib := findONNXRuntime(); lib != "" {
			if err := os.Setenv("ONNX_PATH", lib); err != nil {
				return nil, fmt.Errorf("setting ONNX_PATH: %w", err)
			}
		}
	}

	quiet := false
	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", canonical, err)
	}
	return &FastEmbedProvider{
		model:     fe,
		name:      canonical,
		dimension: knownDimensions[canonical],
		batchSize: cfg.BatchSize,
	}, nil
}

func defaultModelCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "manualrag-models")
	}
	return filepath.Join(home, ".cache", "manualrag", "models")
}

func findONNXRuntime() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	libs, _ := filepath.Glob(filepath.Join(home, ".config", "manualrag", "lib", "libonnxruntime*"))
	if len(libs) == 0 {
		return ""
	}
	return libs[0]
}

// EmbedDocuments embeds chunk texts as passages.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no chunk texts", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, errProviderClosed
	}
	out, err := p.model.PassageEmbed(texts, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailed, p.name, err)
	}
	return out, nil
}

// EmbedQuery embeds an operator question.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, errProviderClosed
	}
	vec, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailed, p.name, err)
	}
	return vec, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close frees the ONNX session. Later calls fail.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
