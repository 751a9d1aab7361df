package offload

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nv-oss/actoffload/cmn"
	"github.com/nv-oss/actoffload/cmn/nlog"
	"github.com/nv-oss/actoffload/device"
	"github.com/nv-oss/actoffload/quant"
)

// asyncSlot is one Push's bookkeeping entry in an AsyncHandler.
type asyncSlot struct {
	raw any // stray, or a plain tensor the window/predicate rejected - never offloaded

	// plainSrc always holds the current device tensor for a plain push,
	// whether or not it was ever offloaded; plainElig records the push-time
	// decision (in-window and predicate accepted) that governs whether
	// bulkOffloadGroup will evict it. plainEv is set once that eviction has
	// actually run.
	plainSrc  *device.Tensor
	plainElig bool
	plainEv   *device.EvictedState

	// composite mirrors the same shape for a composite's underlying
	// buffers: bufs[i] is PrepareForSaving's i-th tensor (nil once evicted),
	// bufElig[i] is the push-time decision, evicted[i] the resulting state.
	composite quant.SaveRestore
	bufs      []*device.Tensor
	bufElig   []bool
	evicted   []*device.EvictedState

	// transposeValid snapshots a Float8-like composite's TransposeInvalid
	// flag at push time (spec.md §3 transpose_cache_valid); nil if the
	// composite doesn't carry one.
	transposeValid *bool

	// aliasOf is set when this tag's composite is a dedup alias: the same
	// *quant.SaveRestore instance was already registered under an earlier
	// tag. Its buffers are never re-offloaded; Pop resolves through the
	// owning tag instead (spec.md §4.6, dedup).
	aliasOf *Tag
}

// eligible reports whether any part of this slot was marked, at push time,
// as an offload candidate - i.e. whether bulkOffloadGroup has anything to
// do for it.
func (s *asyncSlot) eligible() bool {
	if s.plainElig {
		return true
	}
	for _, e := range s.bufElig {
		if e {
			return true
		}
	}
	return false
}

// offloaded reports whether bulkOffloadGroup has actually evicted this slot
// (as opposed to merely having been marked eligible for it).
func (s *asyncSlot) offloaded() bool {
	if s.plainEv != nil {
		return true
	}
	for _, e := range s.evicted {
		if e != nil {
			return true
		}
	}
	return false
}

// AsyncHandler is the windowed, double-buffered offload/reload handler
// (spec.md §4.6, C6). Pushes within a commit group are recorded but not
// copied; a bulk device->host copy is dispatched for a whole window of
// groups once the window plan says it must close, and a bulk host->device
// copy is dispatched ahead of the group's Pops, both on dedicated streams
// so the compute stream never blocks on them directly.
//
// current_group and offloaded_group_count are deliberately two separate
// counters (spec.md §3/§4.6, grounded on
// original_source/transformer_engine/pytorch/cpu_offload.py's
// AsyncDoubleBufferGroupOffloadHandler): current_group is the forward-time
// layer index and ranges over all numModelLayers layers, advancing or
// retreating on every commit regardless of windowing. offloadedGroupCount
// counts how many of the numOffloadGroups windows have reached their forward
// release step, and only a tensor captured while current_group is still below
// numOffloadGroups is ever an offload candidate at all - the rest of the
// model's layers (when numOffloadGroups < numModelLayers) pass straight
// through. The window plan staggers *when* each batch's release-and-advance
// step fires across the full numModelLayers layers, independent of how many
// of those layers actually produced offload candidates.
type AsyncHandler struct {
	mu sync.Mutex

	numOffloadGroups int
	numModelLayers   int
	layerWindow      []int // WindowBoundaries(BuildWindowPlan(numOffloadGroups, numModelLayers))

	needOffload     NeedOffloadFunc
	pinHost         bool
	doubleBuffering bool

	currentGroup  GroupID
	intraGroupSeq int
	straySeq      int

	// offloadedGroupCount tracks how many of the numOffloadGroups windows
	// have reached their forward release step (buffers released, next
	// group's offload dispatched); see OnGroupCommitBackward for its
	// sticky-floor decrement.
	offloadedGroupCount int

	slots map[Tag]*asyncSlot

	// aliasIndex maps a composite instance to the tag that owns its real
	// offloaded state; dedupSet records every tag that is merely an alias
	// of that owner (spec.md §4.6 dedup).
	aliasIndex map[quant.SaveRestore]Tag
	dedupSet   map[Tag]bool

	computeStream *device.Stream
	d2hStream     *device.Stream
	h2dStream     *device.Stream

	offloadDone map[GroupID]*device.Event

	// reloadDone is indexed by group parity (g % 2): the double-buffered
	// reload path keeps at most two groups' host->device copies in flight
	// at once, so a third group's prefetch must wait for the slot two
	// groups back to drain first.
	reloadDone  [2]*device.Event
	reloadGroup [2]GroupID
	reloadSet   [2]bool

	// reloadBuffers holds the preallocated double-buffer pool (spec.md §3):
	// two parity-indexed lists of device buffers. Index 0 is built from the
	// offload-eligible buffers tracked at the first forward commit; index 1
	// is built on the model's final layer as a shape-matched copy of index 0.
	reloadBuffers       [2][]*device.Tensor
	doubleBufferBuilt   bool
	doubleBufferBuiltAt bool // true once index 1 has been allocated

	metrics *Metrics
}

// AsyncHandlerConfig bundles AsyncHandler's construction arguments.
type AsyncHandlerConfig struct {
	NumOffloadGroups int
	NumModelLayers   int
	NeedOffload      NeedOffloadFunc
	PinHost          bool
	DoubleBuffering  bool
	Metrics          *Metrics
}

func NewAsyncHandler(cfg AsyncHandlerConfig) (*AsyncHandler, error) {
	sizes, err := BuildWindowPlan(cfg.NumOffloadGroups, cfg.NumModelLayers)
	if err != nil {
		return nil, err
	}
	needOffload := cfg.NeedOffload
	if needOffload == nil {
		needOffload = DefaultNeedOffload
	}
	return &AsyncHandler{
		numOffloadGroups: cfg.NumOffloadGroups,
		numModelLayers:   cfg.NumModelLayers,
		layerWindow:      WindowBoundaries(sizes),
		needOffload:      needOffload,
		pinHost:          cfg.PinHost,
		doubleBuffering:  cfg.DoubleBuffering,
		slots:            make(map[Tag]*asyncSlot),
		aliasIndex:       make(map[quant.SaveRestore]Tag),
		dedupSet:         make(map[Tag]bool),
		computeStream:    device.NewStream("compute"),
		d2hStream:        device.NewStream("d2h"),
		h2dStream:        device.NewStream("h2d"),
		offloadDone:      make(map[GroupID]*device.Event),
		metrics:          cfg.Metrics,
	}, nil
}

func (h *AsyncHandler) nextTag(kind Kind) Tag {
	if kind == KindStray {
		h.straySeq++
		return Tag{Group: Sentinel, Seq: h.straySeq}
	}
	h.intraGroupSeq++
	return Tag{Group: h.currentGroup, Seq: h.intraGroupSeq}
}

// inWindow reports whether the group currently being captured is one of the
// first numOffloadGroups layers - the only layers whose tensors are ever
// offload candidates (spec.md §4.5's "current_group < num_offload_group"
// gate, which C6 inherits unchanged).
func (h *AsyncHandler) inWindow() bool {
	return int(h.currentGroup) < h.numOffloadGroups
}

// Push records t under a new tag. Nothing is copied yet; the copy happens in
// bulk when the tag's window closes (OnGroupCommitForward).
func (h *AsyncHandler) Push(t any) (Tag, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := Classify(t)
	tag := h.nextTag(kind)
	slot := &asyncSlot{}

	switch kind {
	case KindStray:
		slot.raw = t

	case KindComposite:
		sr := t.(quant.SaveRestore)
		if owner, dup := h.aliasIndex[sr]; dup {
			h.dedupSet[tag] = true
			slot.aliasOf = &owner
			if h.metrics != nil {
				h.metrics.dedupHit()
			}
		} else {
			h.aliasIndex[sr] = tag
			slot.composite = sr
			slot.bufs = sr.PrepareForSaving()
			slot.bufElig = make([]bool, len(slot.bufs))
			slot.evicted = make([]*device.EvictedState, len(slot.bufs))

			inWindow := h.inWindow()
			anyElig := false
			for i, b := range slot.bufs {
				if b == nil || !inWindow || !h.needOffload(b) {
					continue
				}
				slot.bufElig[i] = true
				anyElig = true
			}
			// Freeing the composite's own references happens as soon as we
			// know at least one underlying buffer will be offloaded -
			// mirrors the original tensor.clear() call inside the
			// per-buffer loop, collapsed to one call since Clear() is
			// idempotent (spec.md §4.6).
			if anyElig {
				sr.Clear()
			}
			if tv, ok := sr.(quant.TransposeValidator); ok {
				v := tv.TransposeInvalid()
				slot.transposeValid = &v
			}
		}

	default: // KindPlain
		dt, _ := t.(*device.Tensor)
		slot.plainSrc = dt
		if dt != nil && h.inWindow() && h.needOffload(dt) {
			slot.plainElig = true
		} else {
			slot.raw = t
		}
	}

	// A duplicate tag means the (group, seq) counters were corrupted - an
	// engine bug, not a caller mistake - so this is an assertion failure
	// (spec.md §7), not a returned error.
	_, exists := h.slots[tag]
	cmn.AssertMsg(!exists, "duplicate tag %s", tag)
	h.slots[tag] = slot
	return tag, nil
}

// tagsInGroup returns every tag captured under group g, ordered by push
// sequence. The handler's slots map is unordered, but bulkOffloadGroup,
// releaseGroupBuffers and bulkReloadGroup must all walk a group's slots in
// the same order buildReloadBuffers used to size the double-buffer pool -
// map iteration order is randomized per range, so that order has to be
// recovered explicitly rather than assumed stable.
func (h *AsyncHandler) tagsInGroup(g GroupID) []Tag {
	var tags []Tag
	for tag := range h.slots {
		if tag.Group == g {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// allTagsSorted returns every tag currently tracked, ordered by (group, seq).
// Used by buildReloadBuffers, which (like the reference implementation) pools
// buffers across whatever is tracked at the moment it runs rather than one
// group at a time.
func (h *AsyncHandler) allTagsSorted() []Tag {
	tags := make([]Tag, 0, len(h.slots))
	for tag := range h.slots {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// bulkOffloadGroup enqueues the device->host copy for every real (non-alias)
// slot captured under group g that was marked eligible at push time, then
// records a single d2h-stream event those copies complete by. Dispatch
// across slots runs through an errgroup rather than a plain loop:
// Stream.Enqueue is cheap, but a future backend's enqueue call may itself
// block (host buffer allocation, pinning), and this bounds how many
// dispatching goroutines run at once. A buffer whose offload call fails is
// logged and skipped; no error is returned to the caller.
func (h *AsyncHandler) bulkOffloadGroup(g GroupID) {
	var n int64
	var eg errgroup.Group
	eg.SetLimit(8)

	for _, tag := range h.tagsInGroup(g) {
		slot := h.slots[tag]
		if slot.aliasOf != nil || !slot.eligible() {
			continue
		}
		if slot.composite != nil {
			for i, elig := range slot.bufElig {
				if !elig {
					continue
				}
				i, b := i, slot.bufs[i]
				if b == nil {
					continue
				}
				eg.Go(func() error {
					st, err := device.OffloadAsync(h.d2hStream, b, h.pinHost)
					if err != nil {
						nlog.Errorf("offload: bulk offload group %d buf %d: %v", g, i, err)
						return nil
					}
					slot.evicted[i] = &st
					slot.bufs[i] = nil
					atomic.AddInt64(&n, 1)
					return nil
				})
			}
			continue
		}
		if slot.plainElig {
			eg.Go(func() error {
				st, err := device.OffloadAsync(h.d2hStream, slot.plainSrc, h.pinHost)
				if err != nil {
					nlog.Errorf("offload: bulk offload group %d plain tensor: %v", g, err)
					return nil
				}
				slot.plainEv = &st
				atomic.AddInt64(&n, 1)
				return nil
			})
		}
	}
	_ = eg.Wait() // every goroutine above always returns nil; errors are logged and skipped per-buffer

	h.offloadDone[g] = h.d2hStream.Record()
	if h.metrics != nil {
		h.metrics.offloadGroup(int(n))
	}
	if nlog.FastV(4, nlog.SmoduleOffload) {
		nlog.Infof("offload: bulk-offloaded group %d (%d buffers)", g, n)
	}
}

// releaseGroupBuffers drops the handler's own device-buffer references for
// every plain slot in group g whose eviction has been dispatched; a plain
// slot that was never evicted keeps its tensor. A plain buffer marked
// NeedsForceClear additionally has its storage emptied in place. Composite
// slots are skipped: their underlying buffers are not emptied here, whatever
// their NeedsForceClear marker says.
func (h *AsyncHandler) releaseGroupBuffers(g GroupID) {
	for _, tag := range h.tagsInGroup(g) {
		slot := h.slots[tag]
		if slot.aliasOf != nil {
			continue
		}
		// A composite's eligible underlying buffers already had their
		// device.Tensor reference dropped (set nil) by bulkOffloadGroup the
		// moment each one was offloaded; there is nothing further to release
		// here for composites.
		if slot.composite != nil {
			continue
		}
		if slot.plainElig && slot.plainEv != nil && slot.plainSrc != nil {
			if slot.plainSrc.NeedsForceClear {
				slot.plainSrc.Clear()
			}
			slot.plainSrc = nil
		}
	}
}

// bulkReloadGroup waits for group g's offload to have completed, then
// enqueues its host->device copies and records the completion event in the
// g%2 double-buffer slot.
func (h *AsyncHandler) bulkReloadGroup(g GroupID) {
	slotIdx := int(g) % 2
	if h.reloadSet[slotIdx] && h.reloadGroup[slotIdx] != g {
		h.reloadDone[slotIdx].Wait()
	}

	if done, ok := h.offloadDone[g]; ok {
		done.Wait()
	}

	var n int
	bufIdx := 0
	nextReloadBuf := func() *device.Tensor {
		if !h.doubleBuffering || bufIdx >= len(h.reloadBuffers[slotIdx]) {
			bufIdx++
			return nil
		}
		b := h.reloadBuffers[slotIdx][bufIdx]
		bufIdx++
		return b
	}

	for _, tag := range h.tagsInGroup(g) {
		slot := h.slots[tag]
		if slot.aliasOf != nil || !slot.eligible() {
			continue
		}
		if slot.composite != nil {
			restored := make([]*device.Tensor, len(slot.bufs))
			for i, elig := range slot.bufElig {
				if !elig {
					restored[i] = slot.bufs[i] // never offloaded - pass through
					continue
				}
				st := slot.evicted[i]
				if st == nil {
					continue
				}
				t, err := device.ReloadAsync(h.h2dStream, *st, false, nextReloadBuf())
				if err != nil {
					nlog.Errorf("offload: bulk reload group %d buf %d: %v", g, i, err)
					continue
				}
				restored[i] = t
				n++
			}
			if h.dedupSet[tag] {
				delete(h.dedupSet, tag)
			} else {
				slot.composite.RestoreFromSaved(restored)
				if tv, ok := slot.composite.(quant.TransposeValidator); ok && slot.transposeValid != nil {
					tv.SetTransposeInvalid(*slot.transposeValid)
				}
			}
			continue
		}
		if slot.plainElig && slot.plainEv != nil {
			out, err := device.ReloadAsync(h.h2dStream, *slot.plainEv, false, nextReloadBuf())
			if err != nil {
				nlog.Errorf("offload: bulk reload group %d plain tensor: %v", g, err)
				continue
			}
			slot.plainSrc = out
			n++
		}
	}

	h.reloadDone[slotIdx] = h.h2dStream.Record()
	h.reloadGroup[slotIdx] = g
	h.reloadSet[slotIdx] = true
	if h.metrics != nil {
		h.metrics.reloadGroup(n)
	}
}

// Pop retrieves the value registered under tag, blocking until its group's
// reload has completed if necessary.
func (h *AsyncHandler) Pop(tag Tag) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.slots[tag]
	if !ok {
		return nil, cmn.NewTagError("pop: unknown tag %s", tag)
	}

	owner := slot
	ownerGroup := tag.Group
	if slot.aliasOf != nil {
		o, ok := h.slots[*slot.aliasOf]
		if !ok {
			return nil, cmn.NewTagError("pop: dangling alias tag %s -> %s", tag, *slot.aliasOf)
		}
		owner = o
		ownerGroup = slot.aliasOf.Group
	}

	if owner.offloaded() {
		idx := int(ownerGroup) % 2
		if !h.reloadSet[idx] || h.reloadGroup[idx] != ownerGroup {
			h.bulkReloadGroup(ownerGroup)
			idx = int(ownerGroup) % 2
		}
		if h.reloadDone[idx] != nil {
			h.reloadDone[idx].Wait()
		}
	}

	delete(h.slots, tag)
	if slot.aliasOf != nil {
		delete(h.dedupSet, tag)
	}

	switch {
	case owner.composite != nil:
		return owner.composite, nil
	default:
		if owner.plainSrc != nil {
			return owner.plainSrc, nil
		}
		return owner.raw, nil
	}
}

// OnGroupCommitForward closes the just-completed group cur (always
// advancing current_group, spec.md §4.3's base behavior) and, when the
// window plan says a batch must close here, releases that batch's buffers
// and kicks off the next one (spec.md §4.6 "Forward synchronization").
func (h *AsyncHandler) OnGroupCommitForward() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(h.currentGroup) >= h.numModelLayers {
		return cmn.NewTagError("commit forward: already committed all %d layers", h.numModelLayers)
	}
	cur := h.currentGroup

	if cur == 0 {
		h.d2hStream.WaitStream(h.computeStream)
		if !h.doubleBufferBuilt {
			h.buildReloadBuffers(0)
		}
		h.bulkOffloadGroup(0)
	}

	if h.offloadedGroupCount < len(h.layerWindow) && h.layerWindow[h.offloadedGroupCount] == int(cur) {
		h.d2hStream.WaitStream(h.computeStream)
		h.computeStream.WaitStream(h.d2hStream)

		h.releaseGroupBuffers(GroupID(h.offloadedGroupCount))

		if h.offloadedGroupCount < h.numOffloadGroups-1 {
			h.bulkOffloadGroup(GroupID(h.offloadedGroupCount + 1))
		}
		h.offloadedGroupCount++
	}

	if !h.doubleBufferBuiltAt && int(cur) == h.numModelLayers-1 {
		second := make([]*device.Tensor, len(h.reloadBuffers[0]))
		for i, b := range h.reloadBuffers[0] {
			second[i] = emptyLike(b, h.doubleBuffering)
		}
		h.reloadBuffers[1] = second
		h.doubleBufferBuiltAt = true
	}

	h.currentGroup++
	h.intraGroupSeq = 0
	return nil
}

// buildReloadBuffers lazily allocates one half (idx 0) of the reload
// double buffer: one device tensor per offload-eligible buffer captured so
// far, matched in shape (spec.md §3's "two parallel lists... sized exactly
// to match the offloaded tensors"). A no-op per-entry when double buffering
// is disabled (a nil destination tells ReloadAsync to allocate fresh).
func (h *AsyncHandler) buildReloadBuffers(idx int) {
	var bufs []*device.Tensor
	for _, tag := range h.allTagsSorted() {
		slot := h.slots[tag]
		if slot.plainElig {
			bufs = append(bufs, emptyLike(slot.plainSrc, h.doubleBuffering))
		}
		for i, elig := range slot.bufElig {
			if elig {
				bufs = append(bufs, emptyLike(slot.bufs[i], h.doubleBuffering))
			}
		}
	}
	h.reloadBuffers[idx] = bufs
	if idx == 0 {
		h.doubleBufferBuilt = true
	}
}

func emptyLike(t *device.Tensor, enabled bool) *device.Tensor {
	if !enabled || t == nil {
		return nil
	}
	return device.New(t.Device(), t.DType(), t.Shape())
}

// OnGroupCommitBackward retreats current_group (always, spec.md §4.3's base
// behavior) and, when the window plan says a batch must be back in place by
// this layer, reloads it. Decrementing current_group below zero is an
// engine bug rather than a caller mistake, so it is an assertion failure
// (spec.md §7) rather than a returned error.
func (h *AsyncHandler) OnGroupCommitBackward() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cmn.AssertMsg(h.currentGroup > 0, "commit backward: current_group would go negative")
	h.currentGroup--
	h.intraGroupSeq = 0

	if h.offloadedGroupCount-1 >= 0 && h.offloadedGroupCount-1 < len(h.layerWindow) &&
		h.layerWindow[h.offloadedGroupCount-1] == int(h.currentGroup) {
		h.h2dStream.WaitStream(h.computeStream)
		h.computeStream.WaitStream(h.h2dStream)

		h.bulkReloadGroup(GroupID(h.offloadedGroupCount - 1))

		if h.offloadedGroupCount > 1 {
			h.offloadedGroupCount--
		}
	}

	if h.currentGroup == 0 {
		h.computeStream.WaitStream(h.h2dStream)
		h.offloadedGroupCount = 0
	}
	return nil
}

// Leaked reports tags pushed but never popped.
func (h *AsyncHandler) Leaked() []Tag {
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

// Close tears down the handler's private streams. Call once the session
// (and any pending Leaked check) is done.
func (h *AsyncHandler) Close() {
	h.computeStream.Close()
	h.d2hStream.Close()
	h.h2dStream.Close()
}
