package device

import "testing"

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Signal{Kind: SignalBattery, BatteryPercent: 42})

	got := <-ch
	if got.Kind != SignalBattery || got.BatteryPercent != 42 {
		t.Errorf("got %+v", got)
	}
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 40; i++ {
		h.Publish(Signal{Kind: SignalBattery, BatteryPercent: float64(i)})
	}

	var last Signal
	for len(ch) > 0 {
		last = <-ch
	}
	if last.BatteryPercent != 39 {
		t.Errorf("last = %v, want 39", last.BatteryPercent)
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after cancel must not panic.
	h.Publish(Signal{Kind: SignalActivity, Stationary: true})
}
