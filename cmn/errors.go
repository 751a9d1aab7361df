// Package cmn provides common low-level types, errors, and assertions shared
// by the device, quant, and offload packages.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "fmt"

// ConfigError reports a misconfigured factory argument (cluster/offload context
// construction). Fatal at construction time - the caller must fix the args.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedMode reports that marking/offload was requested while the host
// framework is in a debug/inspection mode that forbids it.
type UnsupportedMode struct{ Msg string }

func (e *UnsupportedMode) Error() string { return "unsupported mode: " + e.Msg }

func NewUnsupportedMode(format string, args ...any) *UnsupportedMode {
	return &UnsupportedMode{Msg: fmt.Sprintf(format, args...)}
}

// TagError reports an internal invariant violation: duplicate tag, missing
// tag at pop, or a negative group counter. Indicates a bug in the caller or
// the engine itself.
type TagError struct{ Msg string }

func (e *TagError) Error() string { return "tag error: " + e.Msg }

func NewTagError(format string, args ...any) *TagError {
	return &TagError{Msg: fmt.Sprintf(format, args...)}
}

// ShapeError reports a reload destination buffer whose size does not match
// the host buffer being restored.
type ShapeError struct{ Msg string }

func (e *ShapeError) Error() string { return "shape error: " + e.Msg }

func NewShapeError(format string, args ...any) *ShapeError {
	return &ShapeError{Msg: fmt.Sprintf(format, args...)}
}

// LeakError reports non-empty handler state at scope exit: a tag was pushed
// in forward but never popped or released.
type LeakError struct{ Msg string }

func (e *LeakError) Error() string { return "leak error: " + e.Msg }

func NewLeakError(format string, args ...any) *LeakError {
	return &LeakError{Msg: fmt.Sprintf(format, args...)}
}
