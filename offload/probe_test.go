package offload

import (
	"testing"

	"github.com/nv-oss/actoffload/device"
	"github.com/nv-oss/actoffload/quant"
)

func TestClassify(t *testing.T) {
	plain := device.New(0, device.Float32, device.Shape{2})
	stray := device.NewFake(device.Float32, device.Shape{2})
	composite := quant.NewBundle(plain)

	cases := []struct {
		name string
		in   any
		want Kind
	}{
		{"plain tensor", plain, KindPlain},
		{"fake/stray tensor", stray, KindStray},
		{"composite bundle", composite, KindComposite},
		{"unrelated value", 42, KindPlain},
	}
	for _, c := range cases {
		if got := Classify(c.in); got != c.want {
			t.Errorf("%s: Classify = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMarkActivationOffloadPlain(t *testing.T) {
	tn := device.New(0, device.Float32, device.Shape{2})
	if err := MarkActivationOffload(false, tn); err != nil {
		t.Fatalf("MarkActivationOffload: %v", err)
	}
	if !tn.ActivationOffloading {
		t.Error("expected ActivationOffloading to be set")
	}
}

func TestMarkActivationOffloadComposite(t *testing.T) {
	a := device.New(0, device.Float32, device.Shape{2})
	b := device.New(0, device.Float32, device.Shape{2})
	bundle := quant.NewBundle(a, b)

	if err := MarkActivationOffload(false, bundle); err != nil {
		t.Fatalf("MarkActivationOffload: %v", err)
	}
	for _, dt := range bundle.GetDataTensors() {
		if !dt.ActivationOffloading || !dt.NeedsForceClear {
			t.Error("expected both markers set on every underlying buffer")
		}
	}
}

func TestMarkActivationOffloadDebugMode(t *testing.T) {
	tn := device.New(0, device.Float32, device.Shape{2})
	if err := MarkActivationOffload(true, tn); err == nil {
		t.Fatal("expected UnsupportedMode error in debug mode")
	}
}
