// Package retry decides whether a failed provider call is retried, after how
// long, and when a failure becomes permanent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

// Action is what the caller should do after a failure
type Action int

const (
	// ActionRetry waits Decision.Delay and tries again
	ActionRetry Action = iota
	// ActionRefreshAuth refreshes the credential once and tries again
	ActionRefreshAuth
	// ActionGiveUp stops; Decision.Fatal says whether the job must fail
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRefreshAuth:
		return "refresh-auth"
	case ActionGiveUp:
		return "give-up"
	}
	return "unknown"
}

// Decision is the outcome of ShouldRetry
type Decision struct {
	Action Action
	Delay  time.Duration
	// Fatal is set when giving up must escalate to a job failure
	Fatal bool
}

// Attempt is the retry history of one operation
type Attempt struct {
	// Transient counts failed attempts charged to the transient budget
	Transient int
	// Refreshed is set once the single credential refresh has been spent
	Refreshed bool
}

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the transient retry budget (default: 5).
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 1s).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration (default: 1m).
	MaxBackoff time.Duration

	// Multiplier increases backoff after each retry (default: 2.0).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (default: 0.1 = 10%).
	Jitter float64
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ShouldRetry classifies err and decides the next step for an operation
// whose history is a. Transient errors retry with exponential backoff until
// MaxRetries is spent. An expired credential gets one refresh and one retry,
// outside the transient budget; a second auth failure is fatal. Everything
// else gives up immediately.
func (p Policy) ShouldRetry(a Attempt, err error) Decision {
	p = p.withDefaults()

	switch mail.ClassOf(err) {
	case mail.ClassTransient:
		if a.Transient >= p.MaxRetries {
			return Decision{Action: ActionGiveUp}
		}
		delay := p.backoff(a.Transient)
		if ra := mail.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		return Decision{Action: ActionRetry, Delay: delay}
	case mail.ClassAuthExpired:
		if a.Refreshed {
			return Decision{Action: ActionGiveUp, Fatal: true}
		}
		return Decision{Action: ActionRefreshAuth}
	default:
		return Decision{Action: ActionGiveUp}
	}
}

// Backoff is the delay before retry number n (0-based), capped and jittered.
func (p Policy) Backoff(n int) time.Duration {
	return p.withDefaults().backoff(n)
}

// backoff computes the delay before retry number n (0-based).
func (p Policy) backoff(n int) time.Duration {
	// Exponential backoff: initial * multiplier^n
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(n))

	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + (rand.Float64() * 2 * spread)
	}

	return time.Duration(d)
}

// withDefaults fills in zero values with defaults.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Refresher obtains a new credential for one side of a migration
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ErrRefreshFailed is wrapped by GiveUpError when the credential refresh itself fails
var ErrRefreshFailed = errors.New("retry: credential refresh failed")

// GiveUpError is returned by Do when an operation will not be retried again
type GiveUpError struct {
	// Class is the classification of the last error
	Class mail.ErrorClass
	// Attempts is the number of calls made
	Attempts int
	// Fatal is set when no further work can succeed (credentials are gone)
	Fatal bool
	// Exhausted is set when a transient error outlived the retry budget
	Exhausted bool
	Err       error
}

func (e *GiveUpError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("retry budget exhausted after %d attempts (%s): %v", e.Attempts, mail.ClassTransient, e.Err)
	}
	return fmt.Sprintf("gave up after %d attempts (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *GiveUpError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a GiveUpError that must fail the job
func IsFatal(err error) bool {
	var g *GiveUpError
	return errors.As(err, &g) && g.Fatal
}

// Hooks observe Do. Either field may be nil.
type Hooks struct {
	// OnRetry runs before each retry with the error that caused it
	OnRetry func(a Attempt, err error, d Decision)
	// OnRefresh runs after the credential refresh, with its error
	OnRefresh func(err error)
}

// Do runs fn until it succeeds or the policy gives up. Refresh runs at most
// once, on the first auth failure; refresher may be nil, in which case an
// auth failure is fatal straight away.
func (p Policy) Do(ctx context.Context, refresher Refresher, hooks Hooks, fn func(ctx context.Context) error) error {
	var a Attempt
	calls := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		calls++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		d := p.ShouldRetry(a, err)
		switch d.Action {
		case ActionRetry:
			if hooks.OnRetry != nil {
				hooks.OnRetry(a, err, d)
			}
			a.Transient++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.Delay):
			}
		case ActionRefreshAuth:
			a.Refreshed = true
			if refresher == nil {
				return &GiveUpError{Class: mail.ClassAuthExpired, Attempts: calls, Fatal: true, Err: err}
			}
			rerr := refresher.Refresh(ctx)
			if hooks.OnRefresh != nil {
				hooks.OnRefresh(rerr)
			}
			if rerr != nil {
				return &GiveUpError{
					Class:    mail.ClassAuthExpired,
					Attempts: calls,
					Fatal:    true,
					Err:      fmt.Errorf("%w: %v (after %v)", ErrRefreshFailed, rerr, err),
				}
			}
			if hooks.OnRetry != nil {
				hooks.OnRetry(a, err, d)
			}
		default:
			g := &GiveUpError{Class: mail.ClassOf(err), Attempts: calls, Fatal: d.Fatal, Err: err}
			if g.Class == mail.ClassTransient {
				// past the budget a transient failure is permanent for this item
				g.Class = mail.ClassPermanent
				g.Exhausted = true
			}
			return g
		}
	}
}
