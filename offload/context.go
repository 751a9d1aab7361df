package offload

import (
	"github.com/nv-oss/actoffload/cmn"
	"github.com/nv-oss/actoffload/cmn/nlog"
)

// Config is the full set of knobs GetCPUOffloadContext accepts (spec.md
// §4.7, C7).
type Config struct {
	// Enabled false turns the whole context into a no-op: Hook, Sync and
	// Async are all nil, and Commit's group commits do nothing.
	Enabled bool

	NumOffloadGroups int
	NumModelLayers   int

	// Synchronous selects SyncHandler (C5) over the windowed, double
	// buffered AsyncHandler (C6).
	Synchronous bool

	// WeightsOnly models a deprecated mode that offloads nothing but still
	// needs to hand back a working (no-op) context for callers that
	// haven't migrated off it yet.
	WeightsOnly bool

	NeedOffload     NeedOffloadFunc
	PinHost         bool
	DoubleBuffering bool

	Metrics *Metrics
}

// Context bundles everything a training loop needs to drive one
// forward/backward session: the scoped hook to enter/exit around the
// session, and the committer to call at each layer's group boundary.
type Context struct {
	Hook     *Hook
	Commit   Committer
	Sync     *SyncHandler  // non-nil iff enabled and Config.Synchronous
	Async    *AsyncHandler // non-nil iff enabled and !Config.Synchronous
	noop     bool
}

type noopCommitter struct{}

func (noopCommitter) OnGroupCommitForward() error  { return nil }
func (noopCommitter) OnGroupCommitBackward() error { return nil }

// GetCPUOffloadContext validates cfg and constructs the handler, hook, and
// commit barrier a training loop wires into its forward/backward passes
// (spec.md §4.7).
func GetCPUOffloadContext(cfg Config) (*Context, error) {
	if !cfg.Enabled || cfg.WeightsOnly {
		if cfg.WeightsOnly {
			nlog.Warningln("offload: weights_only offload mode is deprecated and now offloads nothing; migrate to Enabled=false")
		}
		return &Context{Commit: noopCommitter{}, noop: true}, nil
	}

	if cfg.NumOffloadGroups <= 0 {
		return nil, cmn.NewConfigError("num_offload_groups must be positive, got %d", cfg.NumOffloadGroups)
	}

	if cfg.Synchronous {
		h, err := NewSyncHandler(cfg.NumOffloadGroups, cfg.NeedOffload, cfg.PinHost)
		if err != nil {
			return nil, err
		}
		hook := NewHook(
			func(t any) (any, error) { tag, err := h.Push(t); return tag, err },
			func(packed any) (any, error) { return h.Pop(packed.(Tag)) },
		)
		return &Context{Hook: hook, Commit: h, Sync: h}, nil
	}

	if cfg.NumModelLayers <= 0 {
		return nil, cmn.NewConfigError("num_model_layers must be positive, got %d", cfg.NumModelLayers)
	}
	h, err := NewAsyncHandler(AsyncHandlerConfig{
		NumOffloadGroups: cfg.NumOffloadGroups,
		NumModelLayers:   cfg.NumModelLayers,
		NeedOffload:      cfg.NeedOffload,
		PinHost:          cfg.PinHost,
		DoubleBuffering:  cfg.DoubleBuffering,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	hook := NewHook(
		func(t any) (any, error) { tag, err := h.Push(t); return tag, err },
		func(packed any) (any, error) { return h.Pop(packed.(Tag)) },
	)
	return &Context{Hook: hook, Commit: h, Async: h}, nil
}

// Leaked reports tags pushed but never popped, regardless of which handler
// kind the context wraps. A no-op context never leaks.
func (c *Context) Leaked() []Tag {
	switch {
	case c.Sync != nil:
		return c.Sync.Leaked()
	case c.Async != nil:
		return c.Async.Leaked()
	default:
		return nil
	}
}

// Close releases the handler's resources (the async handler's streams).
// Safe to call on a no-op or synchronous context.
func (c *Context) Close() {
	if c.Async != nil {
		c.Async.Close()
	}
}

// CheckLeaks returns a LeakError if any tag was pushed but never popped -
// call once at session teardown, after the final CommitBackward.
func (c *Context) CheckLeaks() error {
	if leaked := c.Leaked(); len(leaked) > 0 {
		return cmn.NewLeakError("%d tag(s) pushed but never popped: %v", len(leaked), leaked)
	}
	return nil
}
