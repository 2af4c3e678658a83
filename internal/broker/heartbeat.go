package broker

import (
	"sync"
	"time"

	"github.com/parley/messenger/internal/event"
	"github.com/parley/messenger/internal/metrics"
)

// startHeartbeat begins a background goroutine that pushes a ping frame
// onto the subscription at the given interval, independent of publish
// activity, so intermediaries do not time out an idle stream. A ping that
// cannot be accepted triggers the same dead-subscriber cleanup as a
// failed event delivery. The returned stop function ends the goroutine;
// Unsubscribe calls it so the timer and the subscription are torn down
// together.
func startHeartbeat(sub *Subscription, interval time.Duration) func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-sub.done:
				return
			case <-ticker.C:
				if !sub.deliver(Frame{Name: event.TypePing}) {
					return
				}
				metrics.HeartbeatsSent.Inc()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
