package device

import (
	"github.com/nv-oss/actoffload/cmn"
)

// EvictedState is the (origin_device, host_buffer) pair spec.md §4.4's
// offload() returns.
type EvictedState struct {
	Origin ID
	Host   *Tensor
}

func newHostTensor(src *Tensor, pin bool) *Tensor {
	t := New(Host, src.dtype, src.shape)
	return withPinned(t, pin)
}

func copyInto(dst, src *Tensor) error {
	dst.mu.Lock()
	src.mu.Lock()
	defer dst.mu.Unlock()
	defer src.mu.Unlock()
	dst.data = make([]byte, len(src.data))
	copy(dst.data, src.data)
	return nil
}

func prepareOffload(src *Tensor, pin bool) (EvictedState, Job) {
	host := newHostTensor(src, pin)
	job := func() error { return copyInto(host, src) }
	return EvictedState{Origin: src.dev, Host: host}, job
}

// OffloadSync allocates a host buffer (pinned when pin is true) and performs the device->host
// copy immediately, blocking the caller - the baseline primitive used by
// the synchronous handler (C5), whose copies share the compute stream and
// therefore block (spec.md §4.5).
func OffloadSync(src *Tensor, pin bool) (EvictedState, error) {
	state, job := prepareOffload(src, pin)
	if err := job(); err != nil {
		return EvictedState{}, err
	}
	return state, nil
}

// OffloadAsync allocates the host buffer synchronously (cheap, host-side)
// but enqueues the byte copy onto stream and returns once it has been
// queued, not once it has completed - the asynchronous handler (C6) relies
// on its own window-boundary stream synchronization before the host
// buffer's contents are read (spec.md §4.6, §5).
func OffloadAsync(stream *Stream, src *Tensor, pin bool) (EvictedState, error) {
	state, job := prepareOffload(src, pin)
	stream.Enqueue(job)
	return state, nil
}

func prepareReload(state EvictedState, nonBlocking *bool, dest *Tensor) (*Tensor, Job, error) {
	_ = nonBlocking // non_blocking defaults to the pinned-ness of the source; copy timing is
	// already governed by the caller's stream placement, so there is nothing further to branch on.
	var out *Tensor
	if dest != nil {
		if dest.Size() != state.Host.Size() {
			return nil, nil, cmn.NewShapeError(
				"reload destination size %d does not match host buffer size %d",
				dest.Size(), state.Host.Size())
		}
		out = dest
	} else {
		out = New(state.Origin, state.Host.dtype, state.Host.shape)
	}
	job := func() error { return copyInto(out, state.Host) }
	return out, job, nil
}

// ReloadSync performs the host->device copy immediately and returns the
// recovered tensor (spec.md §4.4's reload()).
func ReloadSync(state EvictedState, nonBlocking *bool, dest *Tensor) (*Tensor, error) {
	out, job, err := prepareReload(state, nonBlocking, dest)
	if err != nil {
		return nil, err
	}
	if err := job(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReloadAsync enqueues the host->device copy onto stream and returns the
// destination tensor immediately; its contents are valid only after the
// caller has synchronized with stream.
func ReloadAsync(stream *Stream, state EvictedState, nonBlocking bool, dest *Tensor) (*Tensor, error) {
	out, job, err := prepareReload(state, &nonBlocking, dest)
	if err != nil {
		return nil, err
	}
	stream.Enqueue(job)
	return out, nil
}
