// Package offload implements the activation offload engine: the scoped
// save/restore hook, group commit barrier, and the synchronous and
// asynchronous double-buffered offload handlers (spec.md §4).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package offload

import "fmt"

// GroupID is the forward-time layer index at capture.
type GroupID int

// Sentinel marks "stray" tensors the engine passes through untouched -
// distinct from all real group ids (spec.md §3).
const Sentinel GroupID = -1

// Tag totally orders (group_id, intra_group_seq) pairs; unique within the
// lifetime of one forward/backward session (spec.md §3).
type Tag struct {
	Group GroupID
	Seq   int
}

func (t Tag) String() string { return fmt.Sprintf("(%d,%d)", t.Group, t.Seq) }

func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Seq < o.Seq
}
