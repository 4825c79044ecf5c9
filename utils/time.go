package utils

import (
	"sync"
	"time"
)

// Timer invokes a callback on every tick until stopped.
type Timer struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// StartTimer calls f every interval from a dedicated goroutine.
func StartTimer(interval time.Duration, f func(time.Time)) *Timer {
	t := &Timer{done: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				f(now)
			case <-t.done:
				return
			}
		}
	}()
	return t
}

// Stop halts the timer and waits for an in-progress callback.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()
}
