package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsLatest(t *testing.T) {
	v := New(1)
	assert.Equal(t, 1, v.Get())
	v.Set(2)
	v.Set(3)
	assert.Equal(t, 3, v.Get())
}

func TestChangedWakesOnSet(t *testing.T) {
	v := New("a")
	ch := v.Changed()

	go v.Set("b")

	select {
	case <-ch:
		assert.Equal(t, "b", v.Get())
	case <-time.After(time.Second):
		t.Fatal("Changed never fired")
	}
}

func TestChangedIsEdgeTriggered(t *testing.T) {
	v := New(0)
	v.Set(1)
	// A channel obtained after the Set must not be closed already.
	select {
	case <-v.Changed():
		t.Fatal("stale wakeup")
	default:
	}
}

func TestConcurrentWaiters(t *testing.T) {
	v := New(0)
	done := make(chan int, 4)
	for i := 0; i < 4; i++ {
		ch := v.Changed()
		go func() {
			<-ch
			done <- v.Get()
		}()
	}
	v.Set(42)
	for i := 0; i < 4; i++ {
		select {
		case got := <-done:
			assert.Equal(t, 42, got)
		case <-time.After(time.Second):
			t.Fatal("waiter missed wakeup")
		}
	}
}
