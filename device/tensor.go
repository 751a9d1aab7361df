package device

import (
	"bytes"
	"sync"
)

// Tensor is an opaque accelerator-resident buffer: device identity, element
// datatype, shape, and (when on host) a pinned flag - the Plain variant of
// the data model in spec.md §3.
//
// ActivationOffloading and NeedsForceClear are the two markers
// mark_activation_offload (spec.md §4.2) sets on captured tensors; Fake
// marks a symbolic/placeholder tensor with no real storage (the Stray
// variant probed by C1, spec.md §4.1).
type Tensor struct {
	mu sync.Mutex

	dev    ID
	dtype  DType
	shape  Shape
	pinned bool
	data   []byte

	ActivationOffloading bool
	NeedsForceClear      bool
	Fake                 bool
}

// New allocates a Tensor on dev with zeroed storage.
func New(dev ID, dtype DType, shape Shape) *Tensor {
	return &Tensor{
		dev:   dev,
		dtype: dtype,
		shape: shape,
		data:  make([]byte, shape.NumElements()*dtype.Size()),
	}
}

// NewFake returns a symbolic/placeholder tensor with no real storage,
// the Stray variant of spec.md §3.
func NewFake(dtype DType, shape Shape) *Tensor {
	return &Tensor{dev: Host, dtype: dtype, shape: shape, Fake: true}
}

// NewFromBytes wraps existing data as device storage (used by tests to
// construct tensors with known content).
func NewFromBytes(dev ID, dtype DType, shape Shape, data []byte) *Tensor {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Tensor{dev: dev, dtype: dtype, shape: shape, data: buf}
}

func (t *Tensor) Device() ID    { return t.dev }
func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Shape() Shape  { return t.shape }
func (t *Tensor) Pinned() bool  { return t.pinned }
func (t *Tensor) Size() int64   { return t.shape.NumElements() * t.dtype.Size() }
func (t *Tensor) ByteLen() int  { t.mu.Lock(); defer t.mu.Unlock(); return len(t.data) }

// Bytes returns a copy of the tensor's storage, for equality checks in tests.
func (t *Tensor) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

// Equal reports bit-equality of two tensors' storage (spec.md §8 property 2:
// round-trip identity is exact at device<->host copy precision).
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return bytes.Equal(t.Bytes(), o.Bytes())
}

// Empty reports whether storage has been emptied to size zero - the
// observable effect of Clear, checked by spec.md §8 property 7.
func (t *Tensor) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data) == 0
}

// Clear destructively empties the tensor's storage in place. Used by the
// needs_force_clear pathway (spec.md §4.6): the composite retains an
// externally-visible reference to this buffer, so releasing the handler's
// own pointer is not enough - the storage itself must be emptied.
func (t *Tensor) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = nil
}

func withPinned(t *Tensor, pinned bool) *Tensor {
	t.pinned = pinned
	return t
}
