package offload

// Committer is implemented by both SyncHandler and AsyncHandler: the group
// commit barrier (spec.md §4.3/§4.6) that flushes the current group's
// bookkeeping and advances to the next one. It carries no type parameter
// itself; CommitForward/CommitBackward below add a generic pass-through
// result so call sites can chain the barrier into a layer's forward/backward
// return value without an extra statement.
type Committer interface {
	OnGroupCommitForward() error
	OnGroupCommitBackward() error
}

// CommitForward runs the forward-direction group barrier on h, then returns
// out unchanged. It lets a model layer's forward method end with
// `return offload.CommitForward(h, output)` instead of a separate barrier
// call plus a separate return.
func CommitForward[T any](h Committer, out T) (T, error) {
	if err := h.OnGroupCommitForward(); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CommitBackward is CommitForward's backward-direction counterpart.
func CommitBackward[T any](h Committer, out T) (T, error) {
	if err := h.OnGroupCommitBackward(); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
