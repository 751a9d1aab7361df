package offload

import (
	"sync"

	"github.com/nv-oss/actoffload/cmn"
	"github.com/nv-oss/actoffload/device"
	"github.com/nv-oss/actoffload/quant"
)

// syncSlot holds whatever a SyncHandler needs to reverse one Push.
type syncSlot struct {
	// raw holds a tensor/value that was captured but never offloaded -
	// strays, and plain tensors the need-offload predicate rejected.
	raw any

	// composite is set when the pushed value implemented quant.SaveRestore;
	// evicted holds, in PrepareForSaving order, the offloaded state of each
	// underlying buffer the need-offload predicate accepted (nil where it
	// didn't); pass holds, at the same indices, the original device tensor
	// for buffers that were left in place untouched.
	composite quant.SaveRestore
	evicted   []*device.EvictedState
	pass      []*device.Tensor

	// plain is set when a single plain tensor was offloaded.
	plain *device.EvictedState
}

// SyncHandler is the non-overlapped offload/reload handler (spec.md §4.5,
// C5): every Push that matches the need-offload predicate blocks until its
// host copy completes, and every Pop blocks until its device copy completes.
// It does not special-case composites or strays beyond what Classify
// dictates - no windowing, no double buffering, no dedup.
type SyncHandler struct {
	mu sync.Mutex

	numOffloadGroups int
	currentGroup     GroupID
	intraGroupSeq    int
	straySeq         int

	needOffload NeedOffloadFunc
	pinHost     bool

	slots map[Tag]*syncSlot
}

// NewSyncHandler constructs a handler for a session of numOffloadGroups
// commit groups. pinHost requests pinned (page-locked) host buffers for
// every offloaded tensor.
func NewSyncHandler(numOffloadGroups int, needOffload NeedOffloadFunc, pinHost bool) (*SyncHandler, error) {
	if numOffloadGroups <= 0 {
		return nil, cmn.NewConfigError("num_offload_groups must be positive, got %d", numOffloadGroups)
	}
	if needOffload == nil {
		needOffload = DefaultNeedOffload
	}
	return &SyncHandler{
		numOffloadGroups: numOffloadGroups,
		needOffload:      needOffload,
		pinHost:          pinHost,
		slots:            make(map[Tag]*syncSlot),
	}, nil
}

func (h *SyncHandler) nextTag(kind Kind) Tag {
	if kind == KindStray {
		h.straySeq++
		return Tag{Group: Sentinel, Seq: h.straySeq}
	}
	h.intraGroupSeq++
	return Tag{Group: h.currentGroup, Seq: h.intraGroupSeq}
}

// Push offloads t (if it is a candidate) and returns the tag Pop will later
// need to retrieve it.
func (h *SyncHandler) Push(t any) (Tag, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := Classify(t)
	tag := h.nextTag(kind)
	slot := &syncSlot{}

	inWindow := int(h.currentGroup) < h.numOffloadGroups

	switch kind {
	case KindStray:
		slot.raw = t

	case KindComposite:
		sr := t.(quant.SaveRestore)
		bufs := sr.PrepareForSaving()
		evicted := make([]*device.EvictedState, len(bufs))
		offloadedAny := false
		for i, b := range bufs {
			if b == nil || !inWindow || !h.needOffload(b) {
				continue
			}
			st, err := device.OffloadSync(b, h.pinHost)
			if err != nil {
				return Tag{}, err
			}
			evicted[i] = &st
			bufs[i] = nil
			offloadedAny = true
		}
		if offloadedAny {
			sr.Clear()
		}
		slot.composite = sr
		slot.pass = bufs
		slot.evicted = evicted

	default: // KindPlain
		dt, _ := t.(*device.Tensor)
		if dt != nil && inWindow && h.needOffload(dt) {
			st, err := device.OffloadSync(dt, h.pinHost)
			if err != nil {
				return Tag{}, err
			}
			slot.plain = &st
		} else {
			slot.raw = t
		}
	}

	// A duplicate tag means the (group, seq) counters were corrupted -
	// an engine bug, not a caller mistake, so this is an assertion
	// failure (spec.md §7) rather than a returned error.
	_, exists := h.slots[tag]
	cmn.AssertMsg(!exists, "duplicate tag %s", tag)
	h.slots[tag] = slot
	return tag, nil
}

// Pop reloads and returns whatever was registered under tag, removing it
// from the handler's bookkeeping.
func (h *SyncHandler) Pop(tag Tag) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.slots[tag]
	if !ok {
		return nil, cmn.NewTagError("pop: unknown tag %s", tag)
	}
	delete(h.slots, tag)

	switch {
	case slot.composite != nil:
		restored := make([]*device.Tensor, len(slot.evicted))
		for i, st := range slot.evicted {
			if st == nil {
				restored[i] = slot.pass[i]
				continue
			}
			t, err := device.ReloadSync(*st, nil, nil)
			if err != nil {
				return nil, err
			}
			restored[i] = t
		}
		slot.composite.RestoreFromSaved(restored)
		return slot.composite, nil

	case slot.plain != nil:
		return device.ReloadSync(*slot.plain, nil, nil)

	default:
		return slot.raw, nil
	}
}

// OnGroupCommitForward advances to the next commit group, as encountered in
// forward order.
func (h *SyncHandler) OnGroupCommitForward() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(h.currentGroup) >= h.numOffloadGroups {
		return cmn.NewTagError("commit forward: already committed all %d groups", h.numOffloadGroups)
	}
	h.currentGroup++
	h.intraGroupSeq = 0
	return nil
}

// OnGroupCommitBackward retreats to the previous commit group, undoing
// OnGroupCommitForward in the order backward re-visits groups. Going
// negative is an engine bug, not a caller mistake (spec.md §4.3/§7), so it
// is an assertion failure rather than a returned error.
func (h *SyncHandler) OnGroupCommitBackward() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmn.AssertMsg(h.currentGroup > 0, "commit backward: current_group would go negative")
	h.currentGroup--
	h.intraGroupSeq = 0
	return nil
}

// Leaked reports tags pushed but never popped - state the handler expects
// to be empty once a full forward/backward session completes.
func (h *SyncHandler) Leaked() []Tag {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.slots) == 0 {
		return nil
	}
	out := make([]Tag, 0, len(h.slots))
	for t := range h.slots {
		out = append(out, t)
	}
	return out
}
