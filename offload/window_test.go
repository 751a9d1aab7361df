package offload

import "testing"

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}

func TestBuildWindowPlanEvenSplit(t *testing.T) {
	plan, err := BuildWindowPlan(4, 12)
	if err != nil {
		t.Fatalf("BuildWindowPlan: %v", err)
	}
	want := []int{3, 3, 3, 3}
	if len(plan) != len(want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("plan = %v, want %v", plan, want)
		}
	}
}

func TestBuildWindowPlanRemainderFront(t *testing.T) {
	// 10 layers over 4 groups: base=2, rem=2 -> first two windows get an
	// extra layer, remainder absorbed at the front.
	plan, err := BuildWindowPlan(4, 10)
	if err != nil {
		t.Fatalf("BuildWindowPlan: %v", err)
	}
	want := []int{3, 3, 2, 2}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("plan = %v, want %v", plan, want)
		}
	}
	if sum(plan) != 10 {
		t.Fatalf("plan sums to %d, want 10", sum(plan))
	}
}

func TestBuildWindowPlanRejectsBadInput(t *testing.T) {
	cases := []struct {
		groups, layers int
	}{
		{0, 10},
		{4, 0},
		{5, 4}, // more groups than layers
	}
	for _, c := range cases {
		if _, err := BuildWindowPlan(c.groups, c.layers); err == nil {
			t.Errorf("BuildWindowPlan(%d, %d): expected error, got nil", c.groups, c.layers)
		}
	}
}

func TestWindowBoundaries(t *testing.T) {
	// 10 layers over 4 offload groups: matches the reference
	// layer_window_map construction exactly (2, 5, 7, 9).
	plan, err := BuildWindowPlan(4, 10)
	if err != nil {
		t.Fatalf("BuildWindowPlan: %v", err)
	}
	bounds := WindowBoundaries(plan)
	want := []int{2, 5, 7, 9}
	if len(bounds) != len(want) {
		t.Fatalf("bounds = %v, want %v", bounds, want)
	}
	for i := range want {
		if bounds[i] != want[i] {
			t.Fatalf("bounds = %v, want %v", bounds, want)
		}
	}
}

func TestLayerToWindowCoversEveryLayer(t *testing.T) {
	plan, err := BuildWindowPlan(3, 10)
	if err != nil {
		t.Fatalf("BuildWindowPlan: %v", err)
	}
	seen := make(map[GroupID]int)
	for layer := 0; layer < 10; layer++ {
		seen[layerToWindow(plan, layer)]++
	}
	for i, sz := range plan {
		if seen[GroupID(i)] != sz {
			t.Errorf("window %d owns %d layers, want %d", i, seen[GroupID(i)], sz)
		}
	}
}
