// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFake_AfterFuncFiresInOrder(t *testing.T) {
	c := Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := Fake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop returned false on pending timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFake_AfterFuncNotDue(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	c.AfterFunc(10*time.Second, func() { fired = true })
	c.Advance(9 * time.Second)
	if fired {
		t.Error("timer fired before deadline")
	}
	c.Advance(time.Second)
	if !fired {
		t.Error("timer did not fire at deadline")
	}
}

func TestFake_TickerDeliversPerInterval(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// Channel capacity is 1: advancing three intervals without reading
	// leaves exactly one buffered tick.
	c.Advance(3 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Error("ticks were queued beyond channel capacity")
	default:
	}
}

func TestFake_NowTracksAdvance(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)
	c.Advance(90 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Errorf("Now = %v", got)
	}
}

func TestReal_AfterFuncFires(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AfterFunc never fired")
	}
}
