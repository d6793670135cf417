// Package confirm brokers approval questions between the scheduler and
// whatever layer answers them: a chat TUI, an HTTP client, a Telegram chat,
// or a script. The broker only correlates requests with responses; it does
// not know or care who is on the other side.
package confirm

import (
	"sync"
	"time"
)

// Verdict is the answer to a confirmation request.
type Verdict string

const (
	VerdictApprove            Verdict = "approve"
	VerdictApproveAndRemember Verdict = "approve_and_remember"
	VerdictDeny               Verdict = "deny"
)

// RememberScope controls how long an approve-and-remember answer sticks.
type RememberScope string

const (
	ScopeTurn    RememberScope = "turn"
	ScopeSession RememberScope = "session"
)

// Request asks whether one pending tool call should proceed.
type Request struct {
	CallID      string
	ToolName    string
	ArgsJSON    string
	Description string
	RequestedAt time.Time
}

// Response answers a Request. Cancelled marks channel-level cancellation
// (CancelAll) as opposed to an explicit human denial.
type Response struct {
	CallID        string
	Verdict       Verdict
	RememberScope RememberScope
	DecidedBy     string
	Reason        string
	Cancelled     bool
}

// Approved reports whether the response lets the call proceed.
func (r Response) Approved() bool {
	return r.Verdict == VerdictApprove || r.Verdict == VerdictApproveAndRemember
}

// Broker is the request/response channel. Each request resolves exactly
// once; resolving an unknown or already-resolved call id is a no-op, and
// CancelAll never leaves a pending request unresolved.
type Broker struct {
	mu        sync.Mutex
	pending   map[string]chan Response
	requests  map[string]Request
	order     []string
	listeners []func(Request)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		pending:  make(map[string]chan Response),
		requests: make(map[string]Request),
	}
}

// OnRequest registers a listener invoked for every published request.
// Listeners run on the publishing goroutine and must return promptly.
func (b *Broker) OnRequest(fn func(Request)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Request publishes a confirmation request and returns the channel its
// single response will arrive on. Publishing a call id that is somehow
// still pending cancels the stale request first.
func (b *Broker) Request(req Request) <-chan Response {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if stale, ok := b.pending[req.CallID]; ok {
		stale <- Response{CallID: req.CallID, Verdict: VerdictDeny, Cancelled: true}
		b.remove(req.CallID)
	}
	ch := make(chan Response, 1)
	b.pending[req.CallID] = ch
	b.requests[req.CallID] = req
	b.order = append(b.order, req.CallID)
	listeners := append(([]func(Request))(nil), b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(req)
	}
	return ch
}

// Resolve delivers the response for a pending call id. It returns false,
// without error, when the id is unknown or already resolved.
func (b *Broker) Resolve(callID string, resp Response) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.pending[callID]
	if !ok {
		return false
	}
	resp.CallID = callID
	ch <- resp
	b.remove(callID)
	return true
}

// CancelAll resolves every outstanding request as denied-by-cancellation
// and returns how many were cancelled.
func (b *Broker) CancelAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancelled := 0
	for callID, ch := range b.pending {
		ch <- Response{CallID: callID, Verdict: VerdictDeny, Cancelled: true}
		cancelled++
	}
	b.pending = make(map[string]chan Response)
	b.requests = make(map[string]Request)
	b.order = nil
	return cancelled
}

// Pending lists outstanding requests in publish order.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.order))
	for _, id := range b.order {
		if req, ok := b.requests[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

// Len returns the number of outstanding requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// remove must be called with the mutex held.
func (b *Broker) remove(callID string) {
	delete(b.pending, callID)
	delete(b.requests, callID)
	for i, id := range b.order {
		if id == callID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
