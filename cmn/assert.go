package cmn

import "fmt"

// Assert panics with a *TagError when cond is false. It mirrors the
// teacher's debug.Assert/cmn.Assert idiom: used at invariant checkpoints
// that indicate an engine bug rather than a caller mistake - duplicate tag
// reuse and a group counter going negative are the two checkpoints the
// handlers wire this into. A caller mistake (popping a tag that was never
// pushed, or that was already popped) stays a returned TagError instead.
func Assert(cond bool, msg string) {
	if !cond {
		panic(NewTagError("%s", msg))
	}
}

// AssertMsg is the formatted variant of Assert.
func AssertMsg(cond bool, format string, args ...any) {
	if !cond {
		panic(NewTagError(format, args...))
	}
}

// AssertNoErr panics if err is non-nil, wrapping it with context. It is for
// paths that must never fail (e.g. teardown cleanup); nothing in this module
// calls it.
func AssertNoErr(err error, context string) {
	if err != nil {
		panic(fmt.Errorf("%s: %w", context, err))
	}
}
