package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingListener struct {
	ticks atomic.Int64
	last  atomic.Value
}

func (c *countingListener) OnTick(now time.Time) {
	c.ticks.Add(1)
	c.last.Store(now)
}

func TestTickFansOutToAllListeners(t *testing.T) {
	c := New(time.Hour, zap.NewNop())
	a := &countingListener{}
	b := &countingListener{}
	c.AddListener(a)
	c.AddListener(b)

	now := time.Now()
	c.tick(now)
	c.tick(now.Add(time.Hour))

	if got := a.ticks.Load(); got != 2 {
		t.Errorf("listener a ticks = %d, want 2", got)
	}
	if got := b.ticks.Load(); got != 2 {
		t.Errorf("listener b ticks = %d, want 2", got)
	}
	if last := a.last.Load().(time.Time); !last.Equal(now.Add(time.Hour)) {
		t.Errorf("last tick = %v, want %v", last, now.Add(time.Hour))
	}
}

func TestStartStop(t *testing.T) {
	c := New(5*time.Millisecond, zap.NewNop())
	l := &countingListener{}
	c.AddListener(l)

	c.Start()
	time.Sleep(60 * time.Millisecond)
	c.Stop()
	time.Sleep(20 * time.Millisecond) // let any in-flight tick drain

	ticked := l.ticks.Load()
	if ticked == 0 {
		t.Fatal("no ticks delivered while running")
	}

	time.Sleep(30 * time.Millisecond)
	if after := l.ticks.Load(); after != ticked {
		t.Errorf("ticks after stop = %d, want %d", after, ticked)
	}
}
