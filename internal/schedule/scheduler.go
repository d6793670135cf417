package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ushercli/usher/internal/confirm"
	"github.com/ushercli/usher/internal/policy"
	"github.com/ushercli/usher/internal/tools"
)

const (
	defaultMaxConcurrent = 4
	defaultCancelGrace   = 2 * time.Second
)

// Config tunes a scheduler.
type Config struct {
	// MaxConcurrent bounds how many calls execute at once. Calls waiting on
	// approval or on a resource lane do not hold a slot.
	MaxConcurrent int
	// CancelGrace is how long Dispatch waits for in-flight calls after the
	// batch context is cancelled before force-marking them cancelled.
	CancelGrace time.Duration
}

// Scheduler coordinates one session's tool call batches. The base rule set
// holds config, overlay, and session-remembered rules; turn-remembered rules
// live apart so ResetTurn can drop them between user turns.
type Scheduler struct {
	registry *tools.Registry
	rules    *policy.RuleSet
	modes    *policy.ModeController
	broker   *confirm.Broker
	store    *policy.Store
	logger   *slog.Logger

	maxConcurrent int
	grace         time.Duration

	mu        sync.Mutex
	turnRules *policy.RuleSet
	observers []func(Event)
}

// NewScheduler creates a scheduler. The store is optional; without it,
// session-remembered rules live only as long as the process.
func NewScheduler(registry *tools.Registry, rules *policy.RuleSet, modes *policy.ModeController, broker *confirm.Broker, store *policy.Store, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:      registry,
		rules:         rules,
		modes:         modes,
		broker:        broker,
		store:         store,
		logger:        logger,
		maxConcurrent: cfg.MaxConcurrent,
		grace:         cfg.CancelGrace,
		turnRules:     new(policy.RuleSet),
	}
}

// OnEvent registers an observer for status transitions. Observers run on
// scheduler goroutines and must return promptly.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// ResetTurn drops turn-scoped remembered rules. Call between user turns.
func (s *Scheduler) ResetTurn() {
	s.mu.Lock()
	s.turnRules = new(policy.RuleSet)
	s.mu.Unlock()
}

// Broker exposes the confirmation broker for answer surfaces.
func (s *Scheduler) Broker() *confirm.Broker {
	return s.broker
}

// Dispatch runs a batch of proposed calls to completion and returns one
// result per request, in request order. Calls sharing a resource key run
// strictly one at a time, in request order, with the lane held from policy
// consult through execution; everything else overlaps up to MaxConcurrent
// executing slots. A cancelled context interrupts the whole batch: pending
// approvals and waits resolve as cancelled, in-flight executions get
// CancelGrace to wind down, and Dispatch returns ErrBatchCancelled.
func (s *Scheduler) Dispatch(ctx context.Context, requests []Request) ([]Result, error) {
	slots := make([]*callSlot, len(requests))
	for i := range slots {
		slots[i] = &callSlot{}
	}

	sem := make(chan struct{}, s.maxConcurrent)
	tails := make(map[string]chan struct{})
	var wg sync.WaitGroup

	for i, req := range requests {
		key := s.resourceKey(req)
		var waitCh chan struct{}
		if key != "" {
			waitCh = tails[key]
		}
		done := make(chan struct{})
		if key != "" {
			tails[key] = done
		}

		wg.Add(1)
		go func(slot *callSlot, req Request, waitCh, done chan struct{}) {
			defer wg.Done()
			defer close(done)
			slot.set(s.runCall(ctx, req, waitCh, sem))
		}(slots[i], req, waitCh, done)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		select {
		case <-allDone:
		case <-time.After(s.grace):
			s.logger.Warn("cancellation grace elapsed with calls still in flight")
		}
	}

	interrupted := false
	results := make([]Result, len(requests))
	for i, req := range requests {
		forced := Result{CallID: req.CallID, ToolName: req.ToolName, Status: StatusCancelled}
		res, finished := slots[i].finalize(forced)
		if !finished {
			s.emit(req, StatusCancelled, "grace elapsed")
		}
		if res.Status == StatusCancelled {
			interrupted = true
		}
		results[i] = res
	}

	if interrupted && ctx.Err() != nil {
		return results, ErrBatchCancelled
	}
	return results, nil
}

func (s *Scheduler) runCall(ctx context.Context, req Request, waitCh <-chan struct{}, sem chan struct{}) (res Result) {
	started := time.Now()
	res = Result{CallID: req.CallID, ToolName: req.ToolName}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusError
			res.Err = &CallError{Kind: KindInternal, Message: fmt.Sprintf("scheduler fault: %v", r)}
			s.emit(req, StatusError, res.Err.Message)
		}
		res.Duration = time.Since(started)
	}()

	s.emit(req, StatusValidating, "")
	if err := s.registry.Validate(req.ToolName, req.ArgsJSON); err != nil {
		res.Status = StatusError
		res.Err = &CallError{Kind: KindValidation, Message: err.Error()}
		s.emit(req, StatusError, err.Error())
		return res
	}

	s.emit(req, StatusScheduled, "")
	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return s.cancel(req, res)
		}
	}

	input := policy.Input{ToolName: req.ToolName, ArgsJSON: req.ArgsJSON}
	verdict := policy.Evaluate(input, s.modes.Mode(), s.snapshotRules())
	switch verdict.Decision {
	case policy.DecisionAllow:
	case policy.DecisionDeny:
		res.Status = StatusError
		res.Err = &CallError{Kind: KindPolicyDenied, Message: "denied by policy", Rule: verdict.Rule.Describe()}
		s.emit(req, StatusError, res.Err.Rule)
		return res
	default:
		resp, ok := s.awaitApproval(ctx, req)
		if !ok || resp.Cancelled {
			return s.cancel(req, res)
		}
		if !resp.Approved() {
			msg := resp.Reason
			if msg == "" {
				msg = "denied by user"
			}
			res.Status = StatusError
			res.Err = &CallError{Kind: KindConfirmationDenied, Message: msg}
			s.emit(req, StatusError, msg)
			return res
		}
		if resp.Verdict == confirm.VerdictApproveAndRemember {
			s.remember(req, resp)
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return s.cancel(req, res)
	}
	defer func() { <-sem }()

	s.emit(req, StatusExecuting, "")
	out, err := s.registry.Execute(ctx, req.ToolName, req.ArgsJSON)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancel(req, res)
		}
		res.Status = StatusError
		res.Err = &CallError{Kind: KindExecution, Message: err.Error()}
		s.emit(req, StatusError, err.Error())
		return res
	}

	res.Status = StatusSuccess
	res.Output = out
	s.emit(req, StatusSuccess, "")
	return res
}

func (s *Scheduler) awaitApproval(ctx context.Context, req Request) (confirm.Response, bool) {
	s.emit(req, StatusAwaitingApproval, "")
	ch := s.broker.Request(confirm.Request{
		CallID:      req.CallID,
		ToolName:    req.ToolName,
		ArgsJSON:    req.ArgsJSON,
		Description: fmt.Sprintf("%s %s", req.ToolName, policy.CompactArgs(req.ArgsJSON)),
	})

	select {
	case resp := <-ch:
		return resp, true
	case <-ctx.Done():
		s.broker.Resolve(req.CallID, confirm.Response{Verdict: confirm.VerdictDeny, Cancelled: true})
		return confirm.Response{}, false
	}
}

func (s *Scheduler) remember(req Request, resp confirm.Response) {
	decidedBy := resp.DecidedBy
	if decidedBy == "" {
		decidedBy = "user"
	}
	rule := policy.RememberedRule(req.ToolName, req.ArgsJSON, decidedBy)

	if resp.RememberScope == confirm.ScopeTurn {
		s.mu.Lock()
		turn := s.turnRules
		s.mu.Unlock()
		if err := turn.Append(rule); err != nil {
			s.logger.Warn("failed to remember approval for turn", "tool", req.ToolName, "error", err)
		}
		return
	}

	if err := s.rules.Append(rule); err != nil {
		s.logger.Warn("failed to remember approval for session", "tool", req.ToolName, "error", err)
		return
	}
	if s.store != nil {
		if err := s.store.Append(rule); err != nil {
			s.logger.Warn("failed to persist remembered rule", "tool", req.ToolName, "error", err)
		}
	}
}

func (s *Scheduler) snapshotRules() []policy.Rule {
	s.mu.Lock()
	turn := s.turnRules
	s.mu.Unlock()
	return append(s.rules.Snapshot(), turn.Snapshot()...)
}

func (s *Scheduler) cancel(req Request, res Result) Result {
	res.Status = StatusCancelled
	res.Err = nil
	s.emit(req, StatusCancelled, "")
	return res
}

// resourceKey never lets a misbehaving key function take down the batch.
func (s *Scheduler) resourceKey(req Request) (key string) {
	defer func() {
		if recover() != nil {
			key = ""
		}
	}()
	return s.registry.ResourceKeyFor(req.ToolName, req.ArgsJSON)
}

func (s *Scheduler) emit(req Request, status Status, detail string) {
	s.logger.Debug("tool call transition", "call_id", req.CallID, "tool", req.ToolName, "status", string(status), "detail", detail)

	s.mu.Lock()
	observers := append(([]func(Event))(nil), s.observers...)
	s.mu.Unlock()

	ev := Event{CallID: req.CallID, ToolName: req.ToolName, Status: status, Detail: detail, At: time.Now().UTC()}
	for _, fn := range observers {
		fn(ev)
	}
}

// callSlot holds a call's result. Exactly one of set and finalize decides
// the result, so a straggler finishing after the grace period cannot race
// the force-cancelled fallback.
type callSlot struct {
	mu   sync.Mutex
	done bool
	res  Result
}

func (c *callSlot) set(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.res = res
}

// finalize returns the call's result, installing fallback when the call has
// not finished. The second return reports whether the call finished itself.
func (c *callSlot) finalize(fallback Result) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.res, true
	}
	c.done = true
	c.res = fallback
	return fallback, false
}
