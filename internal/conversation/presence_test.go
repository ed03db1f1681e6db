package conversation

import (
	"testing"
	"time"

	"github.com/dmourab/whatsflow/internal/clock"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time                       { return c.now }
func (c *stubClock) After(time.Duration) <-chan time.Time { return nil }
func (c *stubClock) AfterFunc(_ time.Duration, _ func()) clock.Timer {
	return time.NewTimer(time.Hour)
}

func TestPresenceTrackerComposing(t *testing.T) {
	clk := &stubClock{now: time.Now()}
	tracker := NewPresenceTracker(clk)

	if !tracker.Available("conv-1") {
		t.Fatal("unknown conversation must count as available")
	}

	tracker.Update("conv-1", PresenceComposing)
	if tracker.Available("conv-1") {
		t.Fatal("composing party must not be available")
	}

	tracker.Update("conv-1", PresenceAvailable)
	if !tracker.Available("conv-1") {
		t.Fatal("available update must clear composing")
	}
}

func TestPresenceTrackerStaleRecordCountsAsAvailable(t *testing.T) {
	clk := &stubClock{now: time.Now()}
	tracker := NewPresenceTracker(clk)

	tracker.Update("conv-1", PresenceRecording)
	clk.now = clk.now.Add(presenceStaleAfter + time.Second)

	if !tracker.Available("conv-1") {
		t.Fatal("stale composing record must not stall delivery")
	}
}

func TestPresenceTrackerForget(t *testing.T) {
	clk := &stubClock{now: time.Now()}
	tracker := NewPresenceTracker(clk)

	tracker.Update("conv-1", PresenceComposing)
	tracker.Forget("conv-1")
	if !tracker.Available("conv-1") {
		t.Fatal("forgotten conversation must count as available")
	}
}

func TestIsComposing(t *testing.T) {
	if !IsComposing(PresenceComposing) || !IsComposing(PresenceRecording) {
		t.Fatal("composing and recording are active statuses")
	}
	if IsComposing(PresenceAvailable) || IsComposing("") {
		t.Fatal("available must not count as composing")
	}
}
