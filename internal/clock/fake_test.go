package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AdvanceMovesNow(t *testing.T) {
	c := Fake(epoch)
	c.Advance(5 * time.Second)

	want := epoch.Add(5 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFakeClock_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int

	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 2s order = %v, want [1 2]", order)
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("after 3s order = %v, want [1 2 3]", order)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestFakeClock_StopPreventsFiring(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false, want true for a pending timer")
	}
	c.Advance(2 * time.Second)

	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestFakeClock_CallbackRegisteringTimer(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	// The nested timer is armed relative to the already-advanced time.
	c.Advance(3 * time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Second)
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

func TestFakeClock_ZeroDurationRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Error("AfterFunc(0) did not run synchronously")
	}
}
