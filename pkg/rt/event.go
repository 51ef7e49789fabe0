package rt

import (
	"context"
	"time"
)

type event struct {
	id   EventID
	op   *op
	done chan struct{}
}

// issueLocked creates the next event. o is nil for abort events. Ids wrap
// around past NoEvent and skip events still outstanding.
func (r *Runtime) issueLocked(o *op) *event {
	for {
		r.lastEvent++
		if r.lastEvent == NoEvent {
			r.eventsWrapped = true
			continue
		}
		if _, used := r.events[r.lastEvent]; !used {
			break
		}
	}
	ev := &event{id: r.lastEvent, op: o, done: make(chan struct{})}
	r.events[ev.id] = ev
	return ev
}

// issuedLocked reports whether id may have been issued. Once ids have
// wrapped every id but NoEvent counts as issued.
func (r *Runtime) issuedLocked(id EventID) bool {
	return id != NoEvent && (r.eventsWrapped || id <= r.lastEvent)
}

// retire marks ev complete. It is called once per event.
func (r *Runtime) retire(ev *event) {
	r.mu.Lock()
	delete(r.events, ev.id)
	r.mu.Unlock()
	close(ev.done)
}

// WaitForEvent blocks until the command of id has completed, successfully or
// not, and reports whether it did within timeout. Completed events return
// true at once and ids never issued return false. A timeout or a cancelled
// ctx does not stop the command.
func (r *Runtime) WaitForEvent(ctx context.Context, id EventID, timeout time.Duration) bool {
	r.mu.Lock()
	if !r.issuedLocked(id) {
		r.mu.Unlock()
		return false
	}
	ev, outstanding := r.events[id]
	r.mu.Unlock()
	if !outstanding {
		return true
	}
	return waitDone(ctx, ev.done, timeout)
}

// WaitForStream waits for every command submitted to a stream before the
// call. It returns false for unknown streams and on timeout.
func (r *Runtime) WaitForStream(ctx context.Context, id StreamID, timeout time.Duration) bool {
	s, err := r.stream(id)
	if err != nil {
		return false
	}
	return s.wait(ctx, timeout)
}

func waitDone(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func waitAll(ctx context.Context, evs []*event, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, ev := range evs {
		if !waitDone(ctx, ev.done, time.Until(deadline)) {
			return false
		}
	}
	return true
}
