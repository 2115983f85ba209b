package events

import "testing"

func TestNewBus_DefaultsBufferSize(t *testing.T) {
	b := NewBus(0)
	if cap(b.TerminalData) != defaultBufferSize {
		t.Fatalf("cap(TerminalData) = %d, want %d", cap(b.TerminalData), defaultBufferSize)
	}
}

func TestPublish_DropsOldestWhenFull(t *testing.T) {
	b := NewBus(1)
	b.PublishLatencyUpdated(LatencyUpdated{Key: "first", RTT: 1})
	b.PublishLatencyUpdated(LatencyUpdated{Key: "second", RTT: 2})

	select {
	case ev := <-b.LatencyUpdated:
		if ev.Key != "second" {
			t.Fatalf("got event %q, want the newer event to win over a full buffer", ev.Key)
		}
	default:
		t.Fatal("expected a buffered event, channel was empty")
	}
}

func TestPublish_NeverBlocks(t *testing.T) {
	b := NewBus(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishPoolAlert(PoolAlert{Key: "k", Message: "m"})
		}
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}
