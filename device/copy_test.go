package device

import "testing"

func TestOffloadReloadSyncRoundTrip(t *testing.T) {
	src := NewFromBytes(0, Float32, Shape{4}, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})

	state, err := OffloadSync(src, true)
	if err != nil {
		t.Fatalf("OffloadSync: %v", err)
	}
	if state.Host == nil {
		t.Fatal("OffloadSync: nil host buffer")
	}
	if !state.Host.Pinned() {
		t.Fatal("OffloadSync: expected pinned host buffer")
	}
	if !state.Host.Equal(src) {
		t.Fatal("OffloadSync: host copy does not match source bytes")
	}

	dst, err := ReloadSync(state, nil, nil)
	if err != nil {
		t.Fatalf("ReloadSync: %v", err)
	}
	if !dst.Equal(src) {
		t.Fatal("ReloadSync: round-tripped tensor does not match original bytes")
	}
	if dst.Device() != src.Device() {
		t.Fatalf("ReloadSync: device = %v, want %v", dst.Device(), src.Device())
	}
}

func TestReloadSyncShapeMismatch(t *testing.T) {
	src := New(0, Float32, Shape{4})
	state, err := OffloadSync(src, false)
	if err != nil {
		t.Fatalf("OffloadSync: %v", err)
	}

	wrongSize := New(0, Float32, Shape{8})
	if _, err := ReloadSync(state, nil, wrongSize); err == nil {
		t.Fatal("ReloadSync: expected shape error for mismatched destination size")
	}
}

func TestOffloadAsyncRequiresSync(t *testing.T) {
	stream := NewStream("d2h-test")
	defer stream.Close()

	src := NewFromBytes(0, Int8, Shape{4}, []byte{9, 9, 9, 9})
	state, err := OffloadAsync(stream, src, false)
	if err != nil {
		t.Fatalf("OffloadAsync: %v", err)
	}

	if err := stream.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !state.Host.Equal(src) {
		t.Fatal("OffloadAsync: host buffer mismatch after Sync")
	}
}

func TestStreamWaitStreamOrdering(t *testing.T) {
	d2h := NewStream("d2h")
	h2d := NewStream("h2d")
	defer d2h.Close()
	defer h2d.Close()

	src := NewFromBytes(0, Int8, Shape{2}, []byte{7, 7})
	state, err := OffloadAsync(d2h, src, false)
	if err != nil {
		t.Fatalf("OffloadAsync: %v", err)
	}

	h2d.WaitStream(d2h)
	out, err := ReloadAsync(h2d, state, false, nil)
	if err != nil {
		t.Fatalf("ReloadAsync: %v", err)
	}
	if err := h2d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !out.Equal(src) {
		t.Fatal("reload after WaitStream produced stale/incomplete bytes")
	}
}
