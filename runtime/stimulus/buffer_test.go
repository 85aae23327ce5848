package stimulus

import (
	"errors"
	"sync"
	"testing"

	"github.com/timzifer/pulseinj/injector"
)

func TestEventBufferFIFO(t *testing.T) {
	buffer, err := NewEventBuffer(3)
	if err != nil {
		t.Fatalf("new event buffer: %v", err)
	}
	for ch := uint32(1); ch <= 2; ch++ {
		if err := buffer.Push(injector.NewEvent(ch, 0)); err != nil {
			t.Fatalf("push %d: %v", ch, err)
		}
	}
	if buffer.Len() != 2 {
		t.Fatalf("expected 2 queued events, got %d", buffer.Len())
	}
	for ch := uint32(1); ch <= 2; ch++ {
		ev, ok := buffer.Pop()
		if !ok || ev.Channel != ch || !ev.Valid {
			t.Fatalf("pop: got %+v, %v; want channel %d", ev, ok, ch)
		}
	}
	if _, ok := buffer.Pop(); ok {
		t.Fatalf("expected empty buffer")
	}
}

func TestEventBufferOverflowDropsOldest(t *testing.T) {
	buffer, err := NewEventBuffer(2)
	if err != nil {
		t.Fatalf("new event buffer: %v", err)
	}
	for ch := uint32(0); ch < 2; ch++ {
		if err := buffer.Push(injector.NewEvent(ch, 0)); err != nil {
			t.Fatalf("push %d: %v", ch, err)
		}
	}
	if err := buffer.Push(injector.NewEvent(7, 0)); !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if buffer.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", buffer.Dropped())
	}
	first, _ := buffer.Pop()
	second, _ := buffer.Pop()
	if first.Channel != 1 || second.Channel != 7 {
		t.Fatalf("unexpected order %d, %d", first.Channel, second.Channel)
	}
}

func TestEventBufferClear(t *testing.T) {
	buffer, err := NewEventBuffer(4)
	if err != nil {
		t.Fatalf("new event buffer: %v", err)
	}
	_ = buffer.Push(injector.NewEvent(1, 0))
	buffer.Clear()
	if buffer.Len() != 0 || buffer.Dropped() != 0 {
		t.Fatalf("expected empty buffer without drops")
	}
}

func TestEventBufferRejectsInvalidCapacity(t *testing.T) {
	if _, err := NewEventBuffer(0); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestEventBufferConcurrentProducer(t *testing.T) {
	buffer, err := NewEventBuffer(64)
	if err != nil {
		t.Fatalf("new event buffer: %v", err)
	}
	const total = 1000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = buffer.Push(injector.NewEvent(uint32(i), 0))
		}
	}()
	popped := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := buffer.Pop(); ok {
			popped++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := buffer.Pop(); !ok {
					break
				}
				popped++
			}
			if uint64(popped)+buffer.Dropped() != total {
				t.Fatalf("popped %d + dropped %d != %d", popped, buffer.Dropped(), total)
			}
			return
		default:
		}
	}
}
