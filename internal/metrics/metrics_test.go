package metrics

import "testing"

func TestCountersIncrement(t *testing.T) {
	before := EventsSeen.Count()
	EventsSeen.Inc(1)
	if EventsSeen.Count() != before+1 {
		t.Fatalf("got %d, want %d", EventsSeen.Count(), before+1)
	}
}

func TestRegistryExposesCounters(t *testing.T) {
	found := false
	Registry().Each(func(name string, _ any) {
		if name == "gidget.events_seen" {
			found = true
		}
	})
	if !found {
		t.Fatal("expected gidget.events_seen to be registered")
	}
}
