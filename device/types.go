// Package device stands in for the host framework contract that spec.md §6
// assumes: an accelerator-resident tensor, a current-stream/event API with
// non-blocking copies, pinned host allocation, and a fake-tensor kind the
// probe can test for. No accelerator binding exists anywhere in the example
// pack (aistore talks to disks and object stores, not GPUs), so this package
// is original: a goroutine-and-channel simulation of the same ordering
// contract, grounded on the teacher's single-coordinator stream discipline
// in transport/collect.go (see DESIGN.md).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package device

import "fmt"

// ID identifies where a Tensor's storage lives. Host is the reserved id for
// pinned or pageable host memory; non-negative values name accelerator
// devices.
type ID int

const Host ID = -1

func (id ID) String() string {
	if id == Host {
		return "host"
	}
	return fmt.Sprintf("device:%d", int(id))
}

// DType is the element datatype of a Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Int8
	Int32
	Float8E4M3
)

var dtypeSizes = map[DType]int64{
	Float32:    4,
	Float16:    2,
	BFloat16:   2,
	Int8:       1,
	Int32:      4,
	Float8E4M3: 1,
}

// Size returns the element size in bytes.
func (d DType) Size() int64 { return dtypeSizes[d] }

// Shape is a dense tensor's dimensions.
type Shape []int64

// NumElements returns the product of the shape's dimensions (1 for a scalar).
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}
