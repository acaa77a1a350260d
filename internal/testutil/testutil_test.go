package testutil

import (
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	// Advancing past a retry delay should be visible immediately.
	clock.Advance(30 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Errorf("after Advance(30s), Now() = %v", got)
	}
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("TestContext should carry a deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 6*time.Second {
		t.Errorf("deadline should be ~5s out, got %v", remaining)
	}
}

func TestMustParseUUID(t *testing.T) {
	const raw = "7f9c24e5-1f69-4054-9c3b-0f3d7a1c2b4d"
	if id := MustParseUUID(raw); id.String() != raw {
		t.Errorf("MustParseUUID(%q) = %s", raw, id)
	}

	defer func() {
		if recover() == nil {
			t.Error("MustParseUUID should panic on garbage input")
		}
	}()
	MustParseUUID("definitely-not-a-uuid")
}
