package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samcharles93/segformer/internal/safetensors"
)

// Load reads a checkpoint, choosing the format from the file extension:
// .safetensors files are read directly, anything else is treated as a
// PyTorch pickle (.pth, .pt, .bin, .ckpt).
func Load(path string) (StateDict, error) {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return LoadSafetensors(path)
	}
	return LoadTorch(path)
}

// LoadSafetensors reads every floating point tensor of a safetensors file.
// Integer counters are skipped.
func LoadSafetensors(path string) (StateDict, error) {
	tensors, _, err := safetensors.ReadAll(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return StateDict(tensors), nil
}

// Save writes sd as a safetensors file with the given element type
// (safetensors.DTypeF32 or safetensors.DTypeF16).
func Save(path string, sd StateDict, dtype string) error {
	meta := map[string]string{"format": "pt"}
	if err := safetensors.Write(path, sd, meta, dtype); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
