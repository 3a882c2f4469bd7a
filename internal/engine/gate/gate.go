// Package gate serializes delegate execution and lets the engine freeze it to
// take consistent snapshots.
//
// A delegate activation is bracketed by Enter and the returned leave func.
// Block waits for the running delegate (if any) to leave, then keeps new
// activations out until resume is called:
//
//	resume, ok := g.Block(ctx, 2*time.Second)
//	if !ok {
//		return errBusy
//	}
//	defer resume()
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrGameOver = errors.New("game over")
	// ErrNotInDelegate is returned by Outbound when the execution ctx belongs to
	// has already left the gate.
	ErrNotInDelegate = errors.New("not inside delegate execution")
)

type ctxKey struct{}

type token struct {
	g *Gate
}

type Gate struct {
	mu       sync.Mutex
	owner    *token
	blocked  bool
	pending  int
	gameOver bool
	// wake is closed and replaced whenever the state above changes.
	wake chan struct{}
}

func New() *Gate {
	return &Gate{wake: make(chan struct{})}
}

func (g *Gate) notifyLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

func noop() {}

func (g *Gate) tokenFrom(ctx context.Context) *token {
	tok, _ := ctx.Value(ctxKey{}).(*token)
	if tok == nil || tok.g != g {
		return nil
	}
	return tok
}

// Enter waits until no other delegate is executing and no block is active or
// pending, then claims the gate for a new execution. Calling Enter with a context
// returned by an earlier Enter is a no-op that returns the same context.
func (g *Gate) Enter(ctx context.Context) (context.Context, func(), error) {
	if tok := g.tokenFrom(ctx); tok != nil {
		g.mu.Lock()
		owned := g.owner == tok
		g.mu.Unlock()
		if owned {
			return ctx, noop, nil
		}
	}
	tok := &token{g: g}
	if err := g.acquire(ctx, tok); err != nil {
		return ctx, noop, err
	}
	var once sync.Once
	leave := func() { once.Do(func() { g.release(tok) }) }
	return context.WithValue(ctx, ctxKey{}, tok), leave, nil
}

func (g *Gate) acquire(ctx context.Context, tok *token) error {
	g.mu.Lock()
	for {
		if g.gameOver {
			g.mu.Unlock()
			return ErrGameOver
		}
		if g.owner == nil && !g.blocked && g.pending == 0 {
			g.owner = tok
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
}

func (g *Gate) release(tok *token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == tok {
		g.owner = nil
		g.notifyLocked()
	}
}

// Block waits up to timeout for the executing delegate to leave and then
// closes the gate. On timeout or cancellation it returns ok=false and the gate
// is left exactly as it was. A caller that is itself executing a delegate
// cannot block the gate and gets ok=false immediately.
func (g *Gate) Block(ctx context.Context, timeout time.Duration) (resume func(), ok bool) {
	if tok := g.tokenFrom(ctx); tok != nil {
		g.mu.Lock()
		owned := g.owner == tok
		g.mu.Unlock()
		if owned {
			return noop, false
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g.mu.Lock()
	g.pending++
	for g.owner != nil || g.blocked {
		wake := g.wake
		g.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			g.mu.Lock()
			g.pending--
			g.notifyLocked()
			g.mu.Unlock()
			return noop, false
		}
		g.mu.Lock()
	}
	g.pending--
	g.blocked = true
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.blocked = false
			g.notifyLocked()
			g.mu.Unlock()
		})
	}, true
}

// SetGameOver makes every later Enter and Outbound fail with ErrGameOver and
// wakes anything waiting to enter.
func (g *Gate) SetGameOver() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gameOver {
		return
	}
	g.gameOver = true
	g.notifyLocked()
}

func (g *Gate) IsGameOver() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gameOver
}

// Executing reports whether a delegate currently holds the gate.
func (g *Gate) Executing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner != nil
}

// BlockPending reports whether a Block call is waiting for the executing
// delegate to leave.
func (g *Gate) BlockPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending > 0
}

func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Outbound runs fn on behalf of the delegate executing under ctx. The gate is
// released for the duration of fn, so a long remote call does not stall
// snapshots, and re-acquired afterwards.
func (g *Gate) Outbound(ctx context.Context, fn func(context.Context) error) error {
	if g.IsGameOver() {
		return ErrGameOver
	}
	tok := g.tokenFrom(ctx)
	if tok == nil {
		return fn(ctx)
	}
	g.mu.Lock()
	owned := g.owner == tok
	g.mu.Unlock()
	if !owned {
		return ErrNotInDelegate
	}
	g.release(tok)
	err := fn(ctx)
	if aerr := g.acquire(context.WithoutCancel(ctx), tok); aerr != nil {
		return aerr
	}
	return err
}

// Inbound runs fn as a delegate execution. Remote calls into delegates use it
// so they never overlap a running step.
func (g *Gate) Inbound(ctx context.Context, fn func(context.Context) error) error {
	ctx, leave, err := g.Enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return fn(ctx)
}
