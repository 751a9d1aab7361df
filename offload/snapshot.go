package offload

import jsoniter "github.com/json-iterator/go"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is a point-in-time diagnostic dump of an AsyncHandler's
// bookkeeping, intended for a leak report or an operator-facing debug
// endpoint - never for the hot path.
type Snapshot struct {
	CurrentGroup         GroupID `json:"current_group"`
	NumOffloadGroups     int     `json:"num_offload_groups"`
	OffloadedGroupCount  int     `json:"offloaded_group_count"`
	PendingTags          []Tag   `json:"pending_tags"`
	DedupAliasCount      int     `json:"dedup_alias_count"`
	LayerWindow          []int   `json:"layer_window"`
}

// Snapshot captures h's current bookkeeping state without mutating it.
func (h *AsyncHandler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending := make([]Tag, 0, len(h.slots))
	for t := range h.slots {
		pending = append(pending, t)
	}

	return Snapshot{
		CurrentGroup:        h.currentGroup,
		NumOffloadGroups:    h.numOffloadGroups,
		OffloadedGroupCount: h.offloadedGroupCount,
		PendingTags:         pending,
		DedupAliasCount:     len(h.dedupSet),
		LayerWindow:         h.layerWindow,
	}
}

// MarshalJSON renders the snapshot with jsoniter, matching how the rest of
// the stack serializes diagnostics.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return jsonAPI.Marshal(alias(s))
}
