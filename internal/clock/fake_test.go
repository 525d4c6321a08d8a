package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresPerInterval(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-tk.C:
		if want := start.Add(time.Second); !got.Equal(want) {
			t.Fatalf("tick = %s, want %s", got, want)
		}
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := c.After(3 * time.Second)
	c.WaitForTimers(1)
	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire")
	}
}

func TestFakeStoppedTickerIsSilent(t *testing.T) {
	t.Parallel()
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
