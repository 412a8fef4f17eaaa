package tensor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Tensor is a dense row-major N-dimensional float32 array. It is the
// exchange type at package boundaries (checkpoints, batched inputs and
// outputs); kernels work on Mat and FeatureMap views of its Data.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromData wraps data in a tensor, checking that the shape covers it exactly.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// NumElements returns the product of shape. A rank-0 shape holds one element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor: too large")
		}
		n *= d
	}
	return n, nil
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Sample returns the backing slice of entry b along the leading dimension.
func (t *Tensor) Sample(b int) []float32 {
	if len(t.Shape) == 0 {
		panic("sample of scalar tensor")
	}
	per := len(t.Data) / t.Shape[0]
	return t.Data[b*per : (b+1)*per]
}

// Mat views a rank-2 tensor as a matrix.
func (t *Tensor) Mat() Mat {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("tensor: Mat needs rank 2, got shape %v", t.Shape))
	}
	return NewMatFromData(t.Shape[0], t.Shape[1], t.Data)
}

// Rows views the tensor as a matrix of Shape[0] rows; trailing dimensions are
// flattened, so a conv weight [out, in, kh, kw] becomes [out, in*kh*kw].
func (t *Tensor) Rows() Mat {
	if len(t.Shape) == 0 {
		panic("rows of scalar tensor")
	}
	return NewMatFromData(t.Shape[0], len(t.Data)/max(t.Shape[0], 1), t.Data)
}

// Reshape returns a tensor sharing Data with a new shape of equal size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// ShapeString formats a shape as "[a b c]".
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (t *Tensor) String() string {
	return "Tensor" + ShapeString(t.Shape)
}
