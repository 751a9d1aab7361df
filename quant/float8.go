package quant

import "github.com/nv-oss/actoffload/device"

// Float8Tensor is the Float8-like sub-variant of the composite contract: a
// rowwise buffer, a columnwise buffer, a scale, plus a transpose-cache
// validity flag that must be preserved across an offload/reload cycle
// (spec.md §3, grounded on Float8Tensor._transpose_invalid in
// cpu_offload.py).
type Float8Tensor struct {
	rowwise    *device.Tensor
	columnwise *device.Tensor
	scale      *device.Tensor

	transposeInvalid bool
}

func NewFloat8Tensor(rowwise, columnwise, scale *device.Tensor, transposeInvalid bool) *Float8Tensor {
	return &Float8Tensor{rowwise: rowwise, columnwise: columnwise, scale: scale, transposeInvalid: transposeInvalid}
}

// PrepareForSaving order is fixed: rowwise, columnwise, scale. A nil slot
// means that buffer does not exist for this instance.
func (f *Float8Tensor) PrepareForSaving() []*device.Tensor {
	return []*device.Tensor{f.rowwise, f.columnwise, f.scale}
}

func (f *Float8Tensor) RestoreFromSaved(saved []*device.Tensor) {
	if len(saved) != 3 {
		panic("float8 restore: expected 3 saved tensors (rowwise, columnwise, scale)")
	}
	f.rowwise, f.columnwise, f.scale = saved[0], saved[1], saved[2]
}

func (f *Float8Tensor) GetDataTensors() []*device.Tensor {
	return []*device.Tensor{f.rowwise, f.columnwise, f.scale}
}

func (f *Float8Tensor) Clear() {
	f.rowwise, f.columnwise, f.scale = nil, nil, nil
}

func (f *Float8Tensor) TransposeInvalid() bool { return f.transposeInvalid }

func (f *Float8Tensor) SetTransposeInvalid(v bool) { f.transposeInvalid = v }
