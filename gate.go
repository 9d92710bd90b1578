package conveyor

import (
	"context"
	"sync"
)

// Admission describes how a gate acquisition was granted.
type Admission int

const (
	// AdmissionImmediate means the key had no holder.
	AdmissionImmediate Admission = iota

	// AdmissionAfterWait means the caller queued FIFO behind a holder.
	AdmissionAfterWait

	// AdmissionPreempted means a prior holder was cancelled to admit the
	// caller (cancel-in-progress).
	AdmissionPreempted
)

type gateHolder struct {
	token  string
	cancel func()
}

type gateWaiter struct {
	token  string
	cancel func()
	ready  chan struct{}
}

type concurrencyGroup struct {
	holder  *gateHolder
	waiters []*gateWaiter
}

// GateRegistry serializes work sharing a concurrency key. At most one holder
// exists per key at a time. New requests either queue FIFO behind the holder
// or, with cancel-in-progress, signal the holder (and any queued waiters) to
// cancel and take over once the holder releases. The registry is shared
// process-wide across runs.
type GateRegistry struct {
	mutex  sync.Mutex
	groups map[string]*concurrencyGroup
}

func NewGateRegistry() *GateRegistry {
	return &GateRegistry{groups: map[string]*concurrencyGroup{}}
}

// Acquire blocks until the caller holds the key or ctx is done. The cancel
// function is invoked (outside the registry lock) if a later
// cancel-in-progress request preempts this caller, whether it is holding or
// still waiting; releasing the key is the teardown acknowledgement that
// admits the successor.
func (g *GateRegistry) Acquire(ctx context.Context, key, token string, cancelInProgress bool, cancel func()) (Admission, error) {
	g.mutex.Lock()
	group, ok := g.groups[key]
	if !ok {
		group = &concurrencyGroup{}
		g.groups[key] = group
	}

	if group.holder == nil && len(group.waiters) == 0 {
		group.holder = &gateHolder{token: token, cancel: cancel}
		g.mutex.Unlock()
		return AdmissionImmediate, nil
	}

	admission := AdmissionAfterWait
	var toCancel []func()
	if cancelInProgress {
		admission = AdmissionPreempted
		if group.holder != nil && group.holder.cancel != nil {
			toCancel = append(toCancel, group.holder.cancel)
		}
		for _, waiter := range group.waiters {
			if waiter.cancel != nil {
				toCancel = append(toCancel, waiter.cancel)
			}
		}
	}

	waiter := &gateWaiter{token: token, cancel: cancel, ready: make(chan struct{})}
	group.waiters = append(group.waiters, waiter)
	g.mutex.Unlock()

	for _, fn := range toCancel {
		fn()
	}

	select {
	case <-waiter.ready:
		return admission, nil
	case <-ctx.Done():
		g.removeWaiter(key, waiter)
		return admission, ctx.Err()
	}
}

// Release gives up the key. The first queued waiter, if any, becomes the
// holder.
func (g *GateRegistry) Release(key, token string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	group, ok := g.groups[key]
	if !ok {
		return
	}
	if group.holder == nil || group.holder.token != token {
		return
	}
	group.holder = nil
	g.promote(key, group)
}

// removeWaiter drops a waiter that gave up (context done). If it was already
// promoted to holder in the meantime, the promotion is rolled back.
func (g *GateRegistry) removeWaiter(key string, waiter *gateWaiter) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	group, ok := g.groups[key]
	if !ok {
		return
	}
	for i, w := range group.waiters {
		if w == waiter {
			group.waiters = append(group.waiters[:i], group.waiters[i+1:]...)
			g.cleanup(key, group)
			return
		}
	}
	// Already promoted: the caller is abandoning the hold it never observed.
	if group.holder != nil && group.holder.token == waiter.token {
		group.holder = nil
		g.promote(key, group)
	}
}

func (g *GateRegistry) promote(key string, group *concurrencyGroup) {
	if len(group.waiters) > 0 {
		next := group.waiters[0]
		group.waiters = group.waiters[1:]
		group.holder = &gateHolder{token: next.token, cancel: next.cancel}
		close(next.ready)
	}
	g.cleanup(key, group)
}

func (g *GateRegistry) cleanup(key string, group *concurrencyGroup) {
	if group.holder == nil && len(group.waiters) == 0 {
		delete(g.groups, key)
	}
}
