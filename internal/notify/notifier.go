package notify

import (
	"sync"
	"time"
)

// Notifier is the long-poll wait/notify primitive. Any number of waiters
// block in Wait; a single Notify wakes all of them (broadcast). After
// Stop, Wait returns false immediately.
type Notifier struct {
	mu      sync.Mutex
	wake    chan struct{}
	stopped bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		wake: make(chan struct{}),
	}
}

// Wait blocks until Notify is called or timeout elapses. Returns true
// when woken by a notification, false on timeout or after Stop.
func (n *Notifier) Wait(timeout time.Duration) bool {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return false
	}
	wake := n.wake
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		n.mu.Lock()
		stopped := n.stopped
		n.mu.Unlock()
		return !stopped
	case <-timer.C:
		return false
	}
}

// Notify wakes every current waiter.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	close(n.wake)
	n.wake = make(chan struct{})
}

// Stop wakes all waiters and makes every future Wait return false.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	n.stopped = true
	close(n.wake)
}
