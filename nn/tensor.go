package nn

import "fmt"

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// TensorFrom wraps data without copying.
func TensorFrom(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("nn: data of len %d does not fit shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func (t *Tensor) Numel() int { return len(t.Data) }

func (t *Tensor) At(idx ...int) float32 {
	s := strides(t.Shape)
	var off int
	for i, v := range idx {
		off += v * s[i]
	}
	return t.Data[off]
}

// View reshapes without copying. One dimension may be -1 and is inferred.
func (t *Tensor) View(shape ...int) *Tensor {
	shape = append([]int(nil), shape...)
	infer, known := -1, 1
	for i, d := range shape {
		if d == -1 {
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 {
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("nn: cannot view %v as %v", t.Shape, shape))
	}
	return &Tensor{Shape: shape, Data: t.Data}
}

// Permute reorders dimensions, copying data into the new layout.
func (t *Tensor) Permute(dims ...int) *Tensor {
	if len(dims) != len(t.Shape) {
		panic(fmt.Sprintf("nn: permute %v of rank %d tensor", dims, len(t.Shape)))
	}
	inStrides := strides(t.Shape)
	outShape := make([]int, len(dims))
	for i, d := range dims {
		outShape[i] = t.Shape[d]
	}
	out := NewTensor(outShape...)
	idx := make([]int, len(outShape))
	for o := range out.Data {
		var src int
		for i, d := range dims {
			src += idx[i] * inStrides[d]
		}
		out.Data[o] = t.Data[src]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// Split cuts the tensor into chunks of size along dim; the last chunk may be smaller.
func (t *Tensor) Split(size, dim int) []*Tensor {
	outer := numel(t.Shape[:dim])
	inner := numel(t.Shape[dim+1:])
	n := t.Shape[dim]
	var chunks []*Tensor
	for start := 0; start < n; start += size {
		k := min(size, n-start)
		shape := append([]int(nil), t.Shape...)
		shape[dim] = k
		c := NewTensor(shape...)
		for o := 0; o < outer; o++ {
			copy(c.Data[o*k*inner:(o+1)*k*inner], t.Data[(o*n+start)*inner:(o*n+start+k)*inner])
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// Cat concatenates tensors along dim. All other dimensions must match.
func Cat(dim int, ts ...*Tensor) *Tensor {
	shape := append([]int(nil), ts[0].Shape...)
	shape[dim] = 0
	for _, t := range ts {
		if len(t.Shape) != len(shape) {
			panic(fmt.Sprintf("nn: cat of rank %d and %d", len(shape), len(t.Shape)))
		}
		for i := range shape {
			if i != dim && t.Shape[i] != shape[i] {
				panic(fmt.Sprintf("nn: cat shapes %v and %v differ outside dim %d", ts[0].Shape, t.Shape, dim))
			}
		}
		shape[dim] += t.Shape[dim]
	}
	out := NewTensor(shape...)
	outer := numel(shape[:dim])
	inner := numel(shape[dim+1:])
	var off int
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			k := t.Shape[dim] * inner
			copy(out.Data[off:off+k], t.Data[o*k:(o+1)*k])
			off += k
		}
	}
	return out
}

// Repeat stacks n copies of t along a new leading dimension.
func (t *Tensor) Repeat(n int) *Tensor {
	out := NewTensor(append([]int{n}, t.Shape...)...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

// Index selects entry i along the leading dimension without copying.
func (t *Tensor) Index(i int) *Tensor {
	inner := numel(t.Shape[1:])
	return &Tensor{Shape: append([]int(nil), t.Shape[1:]...), Data: t.Data[i*inner : (i+1)*inner]}
}

// Rows3 returns a rank-3 tensor as nested slices sharing data.
func (t *Tensor) Rows3() [][][]float32 {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("nn: Rows3 of shape %v", t.Shape))
	}
	a, b, c := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([][][]float32, a)
	for i := range out {
		out[i] = make([][]float32, b)
		for j := range out[i] {
			off := (i*b + j) * c
			out[i][j] = t.Data[off : off+c : off+c]
		}
	}
	return out
}
