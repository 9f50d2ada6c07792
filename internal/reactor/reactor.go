// Package reactor implements the pipeline owner: it holds the kind-ordered
// chain of stages, dispatches feed/recv/send/post/sync across it, and
// exposes the thread-safe PostAsync queue that lets goroutines outside the
// single-threaded tick loop (a cron job, an accept loop) hand events to a
// reactor safely.
package reactor

import (
	"sync"

	"github.com/emcnet/emc-core/internal/stage"
)

// Role mirrors the original reactor's role enum; it gates gateway
// liveness behavior (only user-role gateways on the network ring ping
// their peer).
type Role int

const (
	RoleUndef Role = iota
	RoleHost
	RoleUser
	RoleProxy
)

type node struct {
	s          stage.Stage
	prev, next *node
}

// Reactor owns one pipeline of stages and dispatches the protocol
// lifecycle across it in kind order.
type Reactor struct {
	role      Role
	ringFlags stage.Ring

	head, tail *node
	count      int

	resumeBit  bool
	connectBit bool

	// enableEvents gates whether Post's suspend-triggering event classes
	// actually suspend the pipeline; Detach clears it for the duration of
	// its own Suspend call so that expected drop doesn't recurse, and sets
	// recordEvents so any event posted meanwhile is replayed afterward.
	enableEvents bool
	recordEvents bool
	pendingEvents []int

	asyncMu    sync.Mutex
	asyncQueue []asyncEvent
}

type asyncEvent struct {
	code int
	arg  any
}

// New constructs a Reactor for the given role and ring scope.
func New(role Role, ringFlags stage.Ring) *Reactor {
	return &Reactor{role: role, ringFlags: ringFlags, enableEvents: true}
}

// Role reports the reactor's role, satisfying stage.Owner.
func (r *Reactor) Role() int { return int(r.role) }

// HasRole reports whether the reactor was constructed with the given role.
func (r *Reactor) HasRole(role Role) bool { return r.role == role }

// HasRingFlags reports whether all the given ring bits are set.
func (r *Reactor) HasRingFlags(flags stage.Ring) bool {
	return r.ringFlags&flags == flags
}

// StageCount returns the number of attached stages.
func (r *Reactor) StageCount() int { return r.count }

// hasKindBand reports whether any attached stage's Kind satisfies pred.
func (r *Reactor) hasKindBand(pred func(stage.Kind) bool) bool {
	for cur := r.head; cur != nil; cur = cur.next {
		if pred(cur.s.Kind()) {
			return true
		}
	}
	return false
}

// Attach inserts s into the pipeline ordered by Kind (stable among equal
// kinds: later attaches of the same kind append after existing ones). The
// gate and core bands hold at most one stage each (the gateway and the
// mapper respectively): attaching a second gate-kind or core-kind stage is
// rejected and Attach returns false without inserting s.
func (r *Reactor) Attach(s stage.Stage) bool {
	k := s.Kind()
	if stage.IsGate(k) && r.hasKindBand(stage.IsGate) {
		return false
	}
	if stage.IsCore(k) && r.hasKindBand(stage.IsCore) {
		return false
	}
	n := &node{s: s}
	if r.head == nil {
		r.head, r.tail = n, n
		r.count++
		s.Attach(r)
		return true
	}
	cur := r.head
	for cur != nil && cur.s.Kind() <= k {
		cur = cur.next
	}
	if cur == nil {
		// append at tail
		n.prev = r.tail
		r.tail.next = n
		r.tail = n
	} else if cur.prev == nil {
		// insert at head
		n.next = cur
		cur.prev = n
		r.head = n
	} else {
		n.prev = cur.prev
		n.next = cur
		cur.prev.next = n
		n.prev.next = n
	}
	r.count++
	s.Attach(r)
	return true
}

// Detach removes s from the pipeline, invoking Suspend then Detach on it
// if the reactor is currently active. Suspending the departing stage can
// itself post an event (drop, hup) that would otherwise re-trigger a
// pipeline-wide Suspend through Post; events posted during Detach are
// masked and recorded instead, then replayed once the stage is gone so any
// event a sibling stage cares about still lands.
func (r *Reactor) Detach(s stage.Stage) bool {
	for cur := r.head; cur != nil; cur = cur.next {
		if cur.s == s {
			if r.resumeBit {
				r.enableEvents = false
				r.recordEvents = true
				s.Suspend(r)
				r.enableEvents = true
				r.recordEvents = false
			}
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				r.head = cur.next
			}
			if cur.next != nil {
				cur.next.prev = cur.prev
			} else {
				r.tail = cur.prev
			}
			r.count--
			s.Detach(r)
			pending := r.pendingEvents
			r.pendingEvents = nil
			for _, code := range pending {
				r.Post(code, nil)
			}
			return true
		}
	}
	return false
}

// Resume activates every stage in pipeline order; if any stage vetoes the
// resume, already-resumed stages are suspended again and Resume returns
// false.
func (r *Reactor) Resume() bool {
	if r.resumeBit {
		return true
	}
	resumed := make([]*node, 0, r.count)
	for cur := r.head; cur != nil; cur = cur.next {
		if !cur.s.Resume(r) {
			for _, rn := range resumed {
				rn.s.Suspend(r)
			}
			return false
		}
		resumed = append(resumed, cur)
	}
	r.resumeBit = true
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.Join()
	}
	return true
}

// Suspend deactivates every attached stage in reverse pipeline order.
func (r *Reactor) Suspend() {
	if !r.resumeBit {
		return
	}
	for cur := r.tail; cur != nil; cur = cur.prev {
		cur.s.Suspend(r)
	}
	r.resumeBit = false
	r.connectBit = false
}

// Drop announces connection loss to every attached stage.
func (r *Reactor) Drop() {
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.Drop()
	}
	r.connectBit = false
}

// Feed offers data to the pipeline head-first; each stage that returns
// stage.Refuse passes the data to the next stage. Returns the first
// non-Refuse result, or stage.NoRequest if every stage refused.
func (r *Reactor) Feed(data []byte) stage.Result {
	for cur := r.head; cur != nil; cur = cur.next {
		if res := cur.s.Feed(data); res != stage.Refuse {
			return res
		}
	}
	return stage.NoRequest
}

// Recv delivers an inbound frame to every stage in pipeline order.
func (r *Reactor) Recv(data []byte) {
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.Recv(data)
	}
}

// Send offers outbound data tail-first (closest to the application) down
// toward the gateway; each stage that returns stage.Refuse passes it to
// the previous stage.
func (r *Reactor) Send(data []byte) stage.Result {
	for cur := r.tail; cur != nil; cur = cur.prev {
		if res := cur.s.Send(data); res != stage.Refuse {
			return res
		}
	}
	return stage.NoResponse
}

// isSuspendEvent reports whether code belongs to the event class that
// forces a full pipeline suspend. hard_fault forces it; soft_fault does
// not (by explicit design: a soft fault is recoverable and the stage that
// raised it is expected to keep running).
func isSuspendEvent(code int) bool {
	switch code {
	case stage.EventDrop, stage.EventHup, stage.EventAbort, stage.EventTerminated, stage.EventHardFault:
		return true
	default:
		return false
	}
}

// Post delivers an event synchronously to every attached stage and
// implements stage.Owner. drop/hup/abort/terminated/hard_fault force a
// full reactor Suspend once every stage has observed the event, unless
// enableEvents is false (set while Detach is already suspending a stage),
// in which case the event is recorded for replay instead.
func (r *Reactor) Post(code int, arg any) stage.Result {
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.Post(code, arg)
	}
	if isSuspendEvent(code) {
		if !r.enableEvents {
			if r.recordEvents {
				r.pendingEvents = append(r.pendingEvents, code)
			}
			return stage.Okay
		}
		r.Suspend()
	}
	return stage.Okay
}

// ProtoUp announces a freshly-established protocol session to every
// attached stage in pipeline order (head to tail, the same direction as
// Recv), implementing stage.Owner.
func (r *Reactor) ProtoUp(name, info string, mtu int) {
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.ProtoUp(name, info, mtu)
	}
}

// PostAsync enqueues an event from any goroutine; it is applied on the
// next Sync call, keeping the pipeline's dispatch single-threaded.
func (r *Reactor) PostAsync(code int, arg any) {
	r.asyncMu.Lock()
	r.asyncQueue = append(r.asyncQueue, asyncEvent{code: code, arg: arg})
	r.asyncMu.Unlock()
}

// Sync drains the async queue and then ticks every stage's internal
// timers by dt seconds.
func (r *Reactor) Sync(dt float32) {
	r.asyncMu.Lock()
	pending := r.asyncQueue
	r.asyncQueue = nil
	r.asyncMu.Unlock()

	for _, ev := range pending {
		r.Post(ev.code, ev.arg)
	}
	for cur := r.head; cur != nil; cur = cur.next {
		cur.s.Sync(dt)
	}
}

// ConnectState reports whether the reactor currently considers its
// transport connected.
func (r *Reactor) ConnectState() bool { return r.connectBit }

// SetConnectState records whether the underlying transport is connected.
func (r *Reactor) SetConnectState(v bool) { r.connectBit = v }

// ResumeState reports whether the reactor is currently active.
func (r *Reactor) ResumeState() bool { return r.resumeBit }
