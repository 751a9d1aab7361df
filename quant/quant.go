// Package quant implements the composite-quantized tensor contract spec.md
// §3/§6 assumes as an external collaborator: a bundle of zero-or-more plain
// device tensors plus metadata, exposing prepare/restore/clear to the
// offload engine. The quantizer math itself is out of scope (spec.md §1);
// only the externally observable shape of the contract is modeled here,
// grounded on the prepare_for_saving/restore_from_saved/clear/
// get_data_tensors methods of QuantizedTensorBase in
// original_source/transformer_engine/pytorch/tensor/_internal/mxfp8_tensor_base.py
// and the cpu_offload.py call sites that consume them.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package quant

import "github.com/nv-oss/actoffload/device"

// SaveRestore is the capability set a composite-quantized tensor bundle must
// implement to be offloadable (spec.md §6).
type SaveRestore interface {
	// PrepareForSaving returns the current ordered list of underlying plain
	// tensors for the offload engine to save. It is a read, not a detach:
	// the bundle may still hold its own references to the same tensors
	// elsewhere (see Clear).
	PrepareForSaving() []*device.Tensor
	// RestoreFromSaved re-attaches a previously-saved list, in the same
	// order PrepareForSaving returned it.
	RestoreFromSaved(saved []*device.Tensor)
	// GetDataTensors returns the bundle's current underlying tensors.
	GetDataTensors() []*device.Tensor
	// Clear drops the bundle's own references to its underlying tensors.
	// It does not, by itself, free the tensors' storage - that only
	// happens if the offload engine separately calls Tensor.Clear on a
	// tensor marked NeedsForceClear (spec.md §9).
	Clear()
}

// TransposeValidator is an optional capability a SaveRestore bundle may
// additionally implement when it caches a transpose alongside its primary
// data (spec.md §6's transpose_cache_valid bookkeeping). Float8Tensor is the
// motivating case: once its rowwise buffer is offloaded, any cached
// columnwise transpose is stale until the corresponding buffer is reloaded.
type TransposeValidator interface {
	// TransposeInvalid reports whether the cached transpose must be
	// recomputed before next use.
	TransposeInvalid() bool
	// SetTransposeInvalid marks the cached transpose valid or invalid.
	SetTransposeInvalid(bool)
}

// Bundle is a generic composite-quantized tensor: N underlying plain
// buffers plus no further metadata. It models sub-kinds like an MXFP8
// tensor (a quantized data buffer plus a scale tensor) that don't carry
// Float8Tensor's extra transpose-cache flag.
type Bundle struct {
	bufs []*device.Tensor
}

// NewBundle constructs a composite over the given underlying tensors, in
// prepare/restore order. A nil entry means that underlying buffer does not
// exist for this instance (e.g. a columnwise-only quantized tensor with no
// rowwise data).
func NewBundle(bufs ...*device.Tensor) *Bundle {
	b := &Bundle{bufs: make([]*device.Tensor, len(bufs))}
	copy(b.bufs, bufs)
	return b
}

func (b *Bundle) PrepareForSaving() []*device.Tensor {
	out := make([]*device.Tensor, len(b.bufs))
	copy(out, b.bufs)
	return out
}

func (b *Bundle) RestoreFromSaved(saved []*device.Tensor) {
	copy(b.bufs, saved)
}

func (b *Bundle) GetDataTensors() []*device.Tensor {
	out := make([]*device.Tensor, len(b.bufs))
	copy(out, b.bufs)
	return out
}

func (b *Bundle) Clear() {
	for i := range b.bufs {
		b.bufs[i] = nil
	}
}
