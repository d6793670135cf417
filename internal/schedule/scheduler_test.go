package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool/utils"

	"github.com/ushercli/usher/internal/confirm"
	"github.com/ushercli/usher/internal/policy"
	"github.com/ushercli/usher/internal/tools"
)

type probeInput struct {
	ID  string `json:"id"`
	Ms  int    `json:"ms"`
	Key string `json:"key"`
}

// probe records execution order and concurrency so tests can assert on
// overlap and serialization without touching real resources.
type probe struct {
	mu      sync.Mutex
	started []string
	cur     int32
	max     int32
}

func (p *probe) execute(ctx context.Context, input *probeInput) (string, error) {
	cur := atomic.AddInt32(&p.cur, 1)
	for {
		max := atomic.LoadInt32(&p.max)
		if cur <= max || atomic.CompareAndSwapInt32(&p.max, max, cur) {
			break
		}
	}
	p.mu.Lock()
	p.started = append(p.started, input.ID)
	p.mu.Unlock()

	if input.Ms > 0 {
		select {
		case <-time.After(time.Duration(input.Ms) * time.Millisecond):
		case <-ctx.Done():
			atomic.AddInt32(&p.cur, -1)
			return "", ctx.Err()
		}
	}
	atomic.AddInt32(&p.cur, -1)
	return "done-" + input.ID, nil
}

func (p *probe) startOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

type boomInput struct {
	ID string `json:"id"`
}

func boomExecute(ctx context.Context, input *boomInput) (string, error) {
	return "", fmt.Errorf("tool exploded")
}

func panicExecute(ctx context.Context, input *boomInput) (string, error) {
	panic("unexpected state")
}

type fixture struct {
	sched  *Scheduler
	broker *confirm.Broker
	rules  *policy.RuleSet
	modes  *policy.ModeController
	probe  *probe
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	p := &probe{}
	probeTool, err := utils.InferTool("probe", "Test probe", p.execute)
	if err != nil {
		t.Fatalf("InferTool failed: %v", err)
	}
	boomTool, err := utils.InferTool("boom", "Always fails", boomExecute)
	if err != nil {
		t.Fatalf("InferTool failed: %v", err)
	}
	panicTool, err := utils.InferTool("panic", "Always panics", panicExecute)
	if err != nil {
		t.Fatalf("InferTool failed: %v", err)
	}

	reg := tools.NewRegistry()
	defs := []tools.Definition{
		{
			Tool:     probeTool,
			Category: policy.CategoryReadOnly,
			Params: map[string]tools.Param{
				"id":  {Type: "string", Required: true},
				"ms":  {Type: "integer"},
				"key": {Type: "string"},
			},
			ResourceKey: func(args map[string]any) string {
				key, _ := args["key"].(string)
				return key
			},
		},
		{Tool: boomTool, Category: policy.CategoryShell, Params: map[string]tools.Param{"id": {Type: "string"}}},
		{Tool: panicTool, Category: policy.CategoryShell, Params: map[string]tools.Param{"id": {Type: "string"}}},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	rules := new(policy.RuleSet)
	modes := policy.NewModeController(policy.ModeDefault)
	broker := confirm.NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		sched:  NewScheduler(reg, rules, modes, broker, nil, logger, cfg),
		broker: broker,
		rules:  rules,
		modes:  modes,
		probe:  p,
	}
}

func allowProbe() policy.Rule {
	return policy.Rule{ToolName: "probe", Decision: policy.DecisionAllow, Priority: 10}
}

func TestDispatchAllowedCallExecutes(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", results[0].Status, results[0].Err)
	}
	if !strings.Contains(results[0].Output, "done-a") {
		t.Fatalf("expected tool output, got %q", results[0].Output)
	}
}

func TestDispatchAsksWhenNoRuleMatches(t *testing.T) {
	f := newFixture(t, Config{})

	var asked atomic.Int32
	f.broker.OnRequest(func(req confirm.Request) {
		asked.Add(1)
		f.broker.Resolve(req.CallID, confirm.Response{Verdict: confirm.VerdictApprove, DecidedBy: "tester"})
	})

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if asked.Load() != 1 {
		t.Fatalf("expected 1 confirmation request, got %d", asked.Load())
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("expected success after approval, got %s (%v)", results[0].Status, results[0].Err)
	}
}

func TestDispatchPolicyDenied(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(policy.Rule{ToolName: "probe", Decision: policy.DecisionDeny, Priority: 50, Source: "config"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	res := results[0]
	if res.Status != StatusError || res.Err == nil || res.Err.Kind != KindPolicyDenied {
		t.Fatalf("expected policy denial, got %s (%v)", res.Status, res.Err)
	}
	if !strings.Contains(res.Err.Rule, "tool=probe") {
		t.Fatalf("expected denial to name the rule, got %q", res.Err.Rule)
	}
	if len(f.probe.startOrder()) != 0 {
		t.Fatal("denied call must not execute")
	}
}

func TestDispatchConfirmationDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.OnRequest(func(req confirm.Request) {
		f.broker.Resolve(req.CallID, confirm.Response{Verdict: confirm.VerdictDeny, Reason: "not today"})
	})

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	res := results[0]
	if res.Status != StatusError || res.Err == nil || res.Err.Kind != KindConfirmationDenied {
		t.Fatalf("expected confirmation denial, got %s (%v)", res.Status, res.Err)
	}
	if res.Err.Message != "not today" {
		t.Fatalf("expected denial reason, got %q", res.Err.Message)
	}
	if len(f.probe.startOrder()) != 0 {
		t.Fatal("denied call must not execute")
	}
}

func TestDispatchValidationError(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"ms":1}`},
		{CallID: "c2", ToolName: "no_such_tool", ArgsJSON: `{}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	for i, res := range results {
		if res.Status != StatusError || res.Err == nil || res.Err.Kind != KindValidation {
			t.Fatalf("result %d: expected validation error, got %s (%v)", i, res.Status, res.Err)
		}
	}
	if len(f.probe.startOrder()) != 0 {
		t.Fatal("invalid call must not execute")
	}
}

func TestDispatchResultsInRequestOrder(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "slow", ToolName: "probe", ArgsJSON: `{"id":"slow","ms":80}`},
		{CallID: "fast", ToolName: "probe", ArgsJSON: `{"id":"fast","ms":1}`},
		{CallID: "mid", ToolName: "probe", ArgsJSON: `{"id":"mid","ms":40}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	wantIDs := []string{"slow", "fast", "mid"}
	for i, res := range results {
		if res.CallID != wantIDs[i] {
			t.Fatalf("result %d: expected call %q, got %q", i, wantIDs[i], res.CallID)
		}
		if res.Status != StatusSuccess {
			t.Fatalf("result %d: expected success, got %s", i, res.Status)
		}
	}
}

func TestDispatchSameResourceKeySerializes(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 8})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var requests []Request
	for i := 0; i < 5; i++ {
		requests = append(requests, Request{
			CallID:   fmt.Sprintf("c%d", i),
			ToolName: "probe",
			ArgsJSON: fmt.Sprintf(`{"id":"p%d","ms":10,"key":"shared"}`, i),
		})
	}

	results, err := f.sched.Dispatch(context.Background(), requests)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	for i, res := range results {
		if res.Status != StatusSuccess {
			t.Fatalf("result %d: expected success, got %s (%v)", i, res.Status, res.Err)
		}
	}
	if max := atomic.LoadInt32(&f.probe.max); max != 1 {
		t.Fatalf("expected same-key calls to never overlap, saw concurrency %d", max)
	}
	order := f.probe.startOrder()
	for i, id := range order {
		if id != fmt.Sprintf("p%d", i) {
			t.Fatalf("expected same-key calls in request order, got %v", order)
		}
	}
}

func TestDispatchDistinctKeysOverlap(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	_, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a","ms":60,"key":"ka"}`},
		{CallID: "c2", ToolName: "probe", ArgsJSON: `{"id":"b","ms":60,"key":"kb"}`},
		{CallID: "c3", ToolName: "probe", ArgsJSON: `{"id":"c","ms":60}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if max := atomic.LoadInt32(&f.probe.max); max < 2 {
		t.Fatalf("expected distinct-key calls to overlap, saw concurrency %d", max)
	}
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	_, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a","ms":20}`},
		{CallID: "c2", ToolName: "probe", ArgsJSON: `{"id":"b","ms":20}`},
		{CallID: "c3", ToolName: "probe", ArgsJSON: `{"id":"c","ms":20}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if max := atomic.LoadInt32(&f.probe.max); max != 1 {
		t.Fatalf("expected at most 1 executing call, saw %d", max)
	}
}

func TestDispatchExecutionErrorIsolated(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(
		allowProbe(),
		policy.Rule{ToolName: "boom", Decision: policy.DecisionAllow, Priority: 10},
	); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "boom", ArgsJSON: `{"id":"x"}`},
		{CallID: "c2", ToolName: "probe", ArgsJSON: `{"id":"ok"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if results[0].Status != StatusError || results[0].Err == nil || results[0].Err.Kind != KindExecution {
		t.Fatalf("expected execution error, got %s (%v)", results[0].Status, results[0].Err)
	}
	if results[1].Status != StatusSuccess {
		t.Fatalf("expected sibling to succeed, got %s", results[1].Status)
	}
}

func TestDispatchPanicBecomesInternalFault(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(
		allowProbe(),
		policy.Rule{ToolName: "panic", Decision: policy.DecisionAllow, Priority: 10},
	); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "panic", ArgsJSON: `{"id":"x"}`},
		{CallID: "c2", ToolName: "probe", ArgsJSON: `{"id":"ok"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if results[0].Status != StatusError || results[0].Err == nil || results[0].Err.Kind != KindInternal {
		t.Fatalf("expected internal fault, got %s (%v)", results[0].Status, results[0].Err)
	}
	if results[1].Status != StatusSuccess {
		t.Fatalf("expected sibling to succeed, got %s", results[1].Status)
	}
}

func TestDispatchBatchCancelDuringApproval(t *testing.T) {
	f := newFixture(t, Config{CancelGrace: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	f.broker.OnRequest(func(confirm.Request) {
		cancel()
	})

	results, err := f.sched.Dispatch(ctx, []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != ErrBatchCancelled {
		t.Fatalf("expected ErrBatchCancelled, got %v", err)
	}
	if results[0].Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", results[0].Status)
	}
	if f.broker.Len() != 0 {
		t.Fatalf("expected no pending confirmations, got %d", f.broker.Len())
	}
}

func TestDispatchBatchCancelDuringExecution(t *testing.T) {
	f := newFixture(t, Config{CancelGrace: 300 * time.Millisecond})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results, err := f.sched.Dispatch(ctx, []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a","ms":5000}`},
	})
	if err != ErrBatchCancelled {
		t.Fatalf("expected ErrBatchCancelled, got %v", err)
	}
	if results[0].Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", results[0].Status, results[0].Err)
	}
}

func TestDispatchRememberForSession(t *testing.T) {
	f := newFixture(t, Config{})

	var asked atomic.Int32
	f.broker.OnRequest(func(req confirm.Request) {
		asked.Add(1)
		f.broker.Resolve(req.CallID, confirm.Response{
			Verdict:       confirm.VerdictApproveAndRemember,
			RememberScope: confirm.ScopeSession,
			DecidedBy:     "tester",
		})
	})

	req := Request{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`}
	if _, err := f.sched.Dispatch(context.Background(), []Request{req}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	req.CallID = "c2"
	results, err := f.sched.Dispatch(context.Background(), []Request{req})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("expected success without asking, got %s", results[0].Status)
	}
	if asked.Load() != 1 {
		t.Fatalf("expected remembered approval to skip the second ask, asked %d times", asked.Load())
	}

	other := Request{CallID: "c3", ToolName: "probe", ArgsJSON: `{"id":"different"}`}
	if _, err := f.sched.Dispatch(context.Background(), []Request{other}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if asked.Load() != 2 {
		t.Fatalf("expected different args to ask again, asked %d times", asked.Load())
	}
}

func TestDispatchRememberForTurnReset(t *testing.T) {
	f := newFixture(t, Config{})

	var asked atomic.Int32
	f.broker.OnRequest(func(req confirm.Request) {
		asked.Add(1)
		f.broker.Resolve(req.CallID, confirm.Response{
			Verdict:       confirm.VerdictApproveAndRemember,
			RememberScope: confirm.ScopeTurn,
		})
	})

	req := Request{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`}
	if _, err := f.sched.Dispatch(context.Background(), []Request{req}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	req.CallID = "c2"
	if _, err := f.sched.Dispatch(context.Background(), []Request{req}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if asked.Load() != 1 {
		t.Fatalf("expected turn rule to hold within the turn, asked %d times", asked.Load())
	}

	f.sched.ResetTurn()
	req.CallID = "c3"
	if _, err := f.sched.Dispatch(context.Background(), []Request{req}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if asked.Load() != 2 {
		t.Fatalf("expected reset to drop turn rule, asked %d times", asked.Load())
	}
}

func TestDispatchYoloModeSkipsConfirmation(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(policy.ModeOverlayRules([]policy.ToolProfile{
		{Name: "probe", Category: policy.CategoryReadOnly},
	})...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := f.modes.Set("yolo"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	f.broker.OnRequest(func(confirm.Request) {
		t.Error("yolo mode must not ask")
	})

	results, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("expected success, got %s", results[0].Status)
	}
}

func TestDispatchEventOrder(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rules.Append(allowProbe()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var mu sync.Mutex
	var seen []Status
	f.sched.OnEvent(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Status)
		mu.Unlock()
	})

	if _, err := f.sched.Dispatch(context.Background(), []Request{
		{CallID: "c1", ToolName: "probe", ArgsJSON: `{"id":"a"}`},
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	want := []Status{StatusValidating, StatusScheduled, StatusExecuting, StatusSuccess}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}

func TestDispatchEmptyBatch(t *testing.T) {
	f := newFixture(t, Config{})
	results, err := f.sched.Dispatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
