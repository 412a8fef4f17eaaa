// Package checkpoint holds named weight tensors and the tooling to load,
// rename and save them.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/segformer/internal/tensor"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDuplicateKey  = errors.New("duplicate key")
)

// StateDict maps parameter names to weights.
type StateDict map[string]*tensor.Tensor

// Get returns the tensor stored under name.
func (sd StateDict) Get(name string) (*tensor.Tensor, error) {
	t, ok := sd[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: %w: %s", ErrKeyNotFound, name)
	}
	return t, nil
}

// Set stores t under name, replacing any previous entry.
func (sd StateDict) Set(name string, t *tensor.Tensor) {
	sd[name] = t
}

// Pop removes and returns the tensor stored under name.
func (sd StateDict) Pop(name string) (*tensor.Tensor, error) {
	t, err := sd.Get(name)
	if err != nil {
		return nil, err
	}
	delete(sd, name)
	return t, nil
}

// Delete removes name if present.
func (sd StateDict) Delete(name string) {
	delete(sd, name)
}

// Len returns the number of entries.
func (sd StateDict) Len() int {
	return len(sd)
}

// Keys returns all names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NumParams returns the total element count.
func (sd StateDict) NumParams() int {
	n := 0
	for _, t := range sd {
		n += len(t.Data)
	}
	return n
}

// StripPrefix renames every key starting with prefix to the remainder.
func (sd StateDict) StripPrefix(prefix string) error {
	for _, k := range sd.Keys() {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if _, exists := sd[rest]; exists {
			return fmt.Errorf("checkpoint: strip %q: %w: %s", prefix, ErrDuplicateKey, rest)
		}
		sd[rest] = sd[k]
		delete(sd, k)
	}
	return nil
}

// CheckShape reports an ErrShapeMismatch unless t has the given shape.
func CheckShape(name string, t *tensor.Tensor, shape ...int) error {
	if !slices.Equal(t.Shape, shape) {
		return fmt.Errorf("checkpoint: %s: %w: got %s, want %s",
			name, ErrShapeMismatch, tensor.ShapeString(t.Shape), tensor.ShapeString(shape))
	}
	return nil
}
