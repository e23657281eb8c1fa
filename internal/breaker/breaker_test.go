package breaker

import (
	"testing"
	"time"
)

func TestRouteBreakerTransitions(t *testing.T) {
	cb := New("route", 2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.Provider() != "route" {
		t.Fatalf("expected provider %q, got %q", "route", cb.Provider())
	}
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	time.Sleep(10 * time.Millisecond)
	if cb.State() != Open {
		t.Fatal("expected open after two route-fetch failures")
	}
	if cb.Allow() != false {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if cb.Allow() != true {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe success")
	}
}

func TestForecastBreakerNotifiesOnTransition(t *testing.T) {
	cb := New("owm", 2*time.Second, 50*time.Millisecond, 0.5, 2)

	var seen []State
	cb.OnTransition(func(provider string, s State) {
		if provider != "owm" {
			t.Errorf("expected provider %q, got %q", "owm", provider)
		}
		seen = append(seen, s)
	})

	cb.Record(false)
	cb.Record(false)
	if len(seen) != 1 || seen[0] != Open {
		t.Fatalf("expected a single Open notification, got %v", seen)
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	if len(seen) != 2 || seen[1] != HalfOpen {
		t.Fatalf("expected a HalfOpen notification after cooldown, got %v", seen)
	}

	cb.Record(true)
	if len(seen) != 3 || seen[2] != Closed {
		t.Fatalf("expected a Closed notification after successful probe, got %v", seen)
	}
}
