package offload

import (
	"github.com/nv-oss/actoffload/cmn"
	"github.com/nv-oss/actoffload/device"
	"github.com/nv-oss/actoffload/quant"
)

// NeedOffloadFunc decides, for a single plain tensor, whether it is an
// offload candidate. The handler's default predicate (below) returns true
// iff the tensor carries the activation_offloading marker.
type NeedOffloadFunc func(*device.Tensor) bool

// DefaultNeedOffload is the handler's default need-offload predicate
// (spec.md §4.2): true iff the tensor carries the activation_offloading
// marker set by MarkActivationOffload.
func DefaultNeedOffload(t *device.Tensor) bool {
	return t != nil && t.ActivationOffloading
}

// MarkActivationOffload annotates each argument as an offload candidate
// (spec.md §4.2, the C1 helper `mark_activation_offload`).
//
//   - Plain tensor: sets ActivationOffloading.
//   - Composite: recurses over the underlying data tensors, setting
//     ActivationOffloading and NeedsForceClear on each.
//   - nil arguments are skipped.
//
// debugMode is the host framework's debug/inspection mode flag; when true,
// marking fails fast with UnsupportedMode rather than silently offloading
// tensors a debugger is inspecting.
func MarkActivationOffload(debugMode bool, tensors ...any) error {
	if debugMode {
		return cmn.NewUnsupportedMode("activation offload is not supported while the host framework is in debug mode")
	}
	for _, t := range tensors {
		switch v := t.(type) {
		case nil:
			continue
		case *device.Tensor:
			if v == nil {
				continue
			}
			v.ActivationOffloading = true
		case quant.SaveRestore:
			for _, dt := range v.GetDataTensors() {
				if dt == nil {
					continue
				}
				dt.ActivationOffloading = true
				dt.NeedsForceClear = true
			}
		}
	}
	return nil
}

func needsOffload(t any, pred NeedOffloadFunc) bool {
	dt, ok := t.(*device.Tensor)
	if !ok || dt == nil {
		return false
	}
	return pred(dt)
}
