package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/segformer/internal/convert"
)

// ModelProvider hands out loaded models by id.
type ModelProvider interface {
	WithModel(ctx context.Context, modelID string, fn func(b *convert.Bundle) error) error
	ListModels() ([]string, error)
}

type ModelProviderConfig struct {
	// DefaultModelPath is the model directory used when a request names none.
	DefaultModelPath string
	// ModelsPath holds one converted model directory per model.
	ModelsPath string
}

// CachedModelProvider loads model directories on first use and keeps them.
// Loaded weights are never modified, so a model serves concurrent requests.
type CachedModelProvider struct {
	cfg   ModelProviderConfig
	load  func(dir string) (*convert.Bundle, error)
	mu    sync.Mutex
	cache map[string]*convert.Bundle
}

const envModelsDir = "SEGFORMER_MODELS_DIR"

func NewCachedModelProvider(cfg ModelProviderConfig) *CachedModelProvider {
	return &CachedModelProvider{
		cfg:   cfg,
		load:  convert.LoadDir,
		cache: make(map[string]*convert.Bundle),
	}
}

func (p *CachedModelProvider) WithModel(ctx context.Context, modelID string, fn func(b *convert.Bundle) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	b, err := p.getOrLoad(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(b)
}

func (p *CachedModelProvider) getOrLoad(path string) (*convert.Bundle, error) {
	p.mu.Lock()
	b, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return b, nil
	}

	loaded, err := p.load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		return existing, nil
	}
	p.cache[path] = loaded
	return loaded, nil
}

// ListModels returns the ids of the default model and every model found in
// the models directory.
func (p *CachedModelProvider) ListModels() ([]string, error) {
	var ids []string
	if p.cfg.DefaultModelPath != "" {
		ids = append(ids, filepath.Base(filepath.Clean(p.cfg.DefaultModelPath)))
	}
	if dir := p.modelsDir(); dir != "" {
		dirs, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, d := range dirs {
			ids = append(ids, filepath.Base(d))
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (p *CachedModelProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if strings.Contains(modelID, string(filepath.Separator)) {
			return filepath.Clean(modelID), nil
		}
		if p.cfg.DefaultModelPath != "" && filepath.Base(filepath.Clean(p.cfg.DefaultModelPath)) == modelID {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: models-path is required to resolve model %q", ErrModelNotFound, modelID)
		}
		cand := filepath.Join(modelsDir, modelID)
		if isModelDir(cand) {
			return cand, nil
		}
		return "", fmt.Errorf("%w: model %q not found in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", fmt.Errorf("%w: model is required", ErrModelNotFound)
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no models found in %s", ErrModelNotFound, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

func (p *CachedModelProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func isModelDir(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, convert.ConfigFile))
	return err == nil && !st.IsDir()
}

// discoverModels returns the subdirectories of dir holding a converted model.
func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		if p := filepath.Join(dir, e.Name()); isModelDir(p) {
			models = append(models, p)
		}
	}
	return models, nil
}
