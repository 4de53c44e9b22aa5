package nn

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Tensor is a dense row-major tensor.
type Tensor[T Numeric] struct {
	Data    []T   `json:"data"`
	Shape   []int `json:"shape"`
	Strides []int `json:"strides,omitempty"`
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:    make([]T, shapeSize(shape)),
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
	}
}

// NewTensorFromSlice wraps data without copying it.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	return &Tensor[T]{
		Data:    data,
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
	}
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Dim returns the extent of axis i, or 0 if the axis does not exist.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.Data))
	copy(data, t.Data)
	return &Tensor[T]{
		Data:    data,
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
	}
}

// Reshape returns a view with a new shape sharing the same data.
// Returns nil if the element count does not match.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	if shapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor[T]{
		Data:    t.Data,
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
	}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor[T]) SameShape(other *Tensor[T]) bool {
	if other == nil || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}
