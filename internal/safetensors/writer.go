package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/segformer/internal/tensor"
)

// Supported on-disk element types for Write.
const (
	DTypeF32 = "F32"
	DTypeF16 = "F16"
)

// Write stores tensors in a new safetensors file at path. Tensors are laid
// out in name order; the header is padded with spaces to an 8 byte boundary.
// The file is written to a temporary name and renamed into place.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string, dtype string) error {
	width, ok := dtypeWidth[dtype]
	if !ok || (dtype != DTypeF32 && dtype != DTypeF16) {
		return fmt.Errorf("safetensors: cannot write dtype %q", dtype)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		size := int64(len(t.Data) * width)
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriterSize(tmp, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	buf := make([]byte, 8)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			switch dtype {
			case DTypeF32:
				binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			case DTypeF16:
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
			}
			if _, err := w.Write(buf[:width]); err != nil {
				_ = tmp.Close()
				return fmt.Errorf("safetensors: write %s: %w", name, err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadAll decodes every floating point tensor of the file at path.
func ReadAll(path string) (map[string]*tensor.Tensor, map[string]string, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]*tensor.Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		if f.Tensors[name].DType == "I64" {
			continue
		}
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, nil, err
		}
		t, err := tensor.FromData(data, info.Shape...)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out[name] = t
	}
	return out, f.Metadata, nil
}
