// Package notify wakes the worker when fetch work is queued.
//
// Every implementation is fire-and-forget: Notify never blocks, repeated calls
// collapse into one pending wake-up, and nothing guarantees delivery. The worker
// recovers missed wake-ups by polling.
package notify

// Notifier wakes the worker
type Notifier interface {
	Notify()
}

// Noop discards notifications
type Noop struct{}

func (Noop) Notify() {}

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) Notify() {
	for _, n := range m {
		if n != nil {
			n.Notify()
		}
	}
}

// trigger is a coalescing wake-up slot shared by the notifiers
type trigger chan struct{}

func newTrigger() trigger {
	return make(trigger, 1)
}

// fire is non-blocking; a pending wake-up absorbs the new one
func (t trigger) fire() {
	select {
	case t <- struct{}{}:
	default:
	}
}
