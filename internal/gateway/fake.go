package gateway

import (
	"context"
	"sync"
)

// FakeOutcome scripts one Charge call on the Fake gateway.
type FakeOutcome struct {
	Result *Result
	Err    error
}

// Fake is a scriptable in-memory Gateway. Outcomes are consumed in order;
// once the script runs out every call succeeds.
type Fake struct {
	mu       sync.Mutex
	script   []FakeOutcome
	requests []ChargeRequest
	seq      int
}

func NewFake() *Fake {
	return &Fake{}
}

// Script appends outcomes to be returned by subsequent Charge calls.
func (f *Fake) Script(outcomes ...FakeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// Requests returns a copy of every request received so far.
func (f *Fake) Requests() []ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChargeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls returns how many times Charge ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *Fake) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		return next.Result, next.Err
	}
	f.seq++
	return &Result{
		Success:           true,
		ProviderPaymentID: "fake-" + req.ConversationID,
		RawResponse:       map[string]interface{}{"status": "success"},
	}, nil
}
