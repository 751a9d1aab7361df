package offload

import (
	"github.com/nv-oss/actoffload/device"
	"github.com/nv-oss/actoffload/quant"
)

// Kind is the result of classifying a captured tensor (C1, spec.md §4.1).
type Kind int

const (
	KindPlain Kind = iota
	KindComposite
	KindStray
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindComposite:
		return "composite"
	case KindStray:
		return "stray"
	default:
		return "unknown"
	}
}

// Classify returns one of {Stray, Plain, Composite} for a captured tensor.
// A tensor is Stray if it is a symbolic/fake-shape placeholder with no real
// storage; Composite if it conforms to the quant.SaveRestore capability
// set; otherwise Plain.
func Classify(t any) Kind {
	switch v := t.(type) {
	case *device.Tensor:
		if v != nil && v.Fake {
			return KindStray
		}
		return KindPlain
	case quant.SaveRestore:
		return KindComposite
	default:
		return KindPlain
	}
}
