package offload

import "github.com/nv-oss/actoffload/cmn"

// BuildWindowPlan distributes numOffloadGroups offload windows evenly across
// numModelLayers model layers (spec.md §4.6, the layer_window_map formula).
// Window i owns layers [sum(sizes[:i]), sum(sizes[:i+1])); windows are sized
// floor(L/G), with the first L mod G windows getting one extra layer so the
// remainder is absorbed at the front rather than the back.
//
// The returned slice has length numOffloadGroups and gives, for window i, the
// number of model layers it owns.
func BuildWindowPlan(numOffloadGroups, numModelLayers int) ([]int, error) {
	if numOffloadGroups <= 0 {
		return nil, cmn.NewConfigError("num_offload_groups must be positive, got %d", numOffloadGroups)
	}
	if numModelLayers <= 0 {
		return nil, cmn.NewConfigError("num_model_layers must be positive, got %d", numModelLayers)
	}
	if numModelLayers < numOffloadGroups {
		return nil, cmn.NewConfigError("num_model_layers (%d) must be >= num_offload_groups (%d)", numModelLayers, numOffloadGroups)
	}

	base := numModelLayers / numOffloadGroups
	rem := numModelLayers % numOffloadGroups

	sizes := make([]int, numOffloadGroups)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes, nil
}

// layerToWindow inverts BuildWindowPlan: given the per-window sizes, returns
// the window index owning the given (0-based) model layer.
func layerToWindow(sizes []int, layer int) GroupID {
	acc := 0
	for i, sz := range sizes {
		acc += sz
		if layer < acc {
			return GroupID(i)
		}
	}
	return GroupID(len(sizes) - 1)
}

// WindowBoundaries turns BuildWindowPlan's per-window sizes into the
// cumulative layer_window[i] array spec.md §4.6 actually drives scheduling
// from: layer_window[i] is the 0-based forward-group (layer) index after
// which the i-th offload batch's release-and-advance must fire. This is the
// same arithmetic as the original layer_window_map construction
// (original_source/transformer_engine/pytorch/cpu_offload.py's
// AsyncDoubleBufferGroupOffloadHandler.__init__), expressed as a cumulative
// sum over sizes instead of the running-constant loop the Python uses.
func WindowBoundaries(sizes []int) []int {
	bounds := make([]int, len(sizes))
	acc := -1
	for i, sz := range sizes {
		acc += sz
		bounds[i] = acc
	}
	return bounds
}
