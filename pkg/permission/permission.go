package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/portal/pkg/bus"
	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/metrics"
	"github.com/cuemby/portal/pkg/opctx"
	"github.com/cuemby/portal/pkg/store"
)

// ErrAccessDenied is returned when a Check rejects an operation. It is
// the only error kind this package surfaces to callers (§7).
var ErrAccessDenied = errors.New("permission: access denied")

// Check decides whether method may run against id, under the session
// carried by ctx. Returning ok=true allows the call (the diagnostic is
// then ignored); ok=false fails the call with diagnostic as the reason.
type Check func(ctx context.Context, method string, id any) (ok bool, diagnostic string)

// Target is the subset of a Class/Cached's behavior the proxy wraps
// (§4.D, §6). store.Class[T] and store.Cached[T] both satisfy it.
type Target[T any] interface {
	Name() string
	ForID(id any) (*store.Entity[T], error)
	ValueOf(ctx context.Context, e *store.Entity[T]) (T, error)
	SetValue(ctx context.Context, e *store.Entity[T], v T) (*future.Handle, error)
	Remove(ctx context.Context, id any) (*future.Handle, error)
	Notifies(l bus.Listener) bus.Subscription
	StopNotifies(sub bus.Subscription)
}

// Proxy wraps a Target so that ForID, ValueOf, SetValue and Remove run
// its Checks before the underlying call executes (§4.I). Name, Notifies
// and StopNotifies are forwarded to the target without any Check. It is
// meant to sit at the
// boundary callers use to reach a class — internal plumbing (a class
// acting as another's Source) talks to the unwrapped class directly,
// since §1 treats cross-class notification as a trusted, internal
// collaboration rather than a permission-checked public surface.
type Proxy[T any] struct {
	target Target[T]
	checks []Check
}

// New wraps target so every ForID, ValueOf, SetValue and Remove call on
// the returned Proxy is checked against checks, in order, before it
// reaches target.
func New[T any](target Target[T], checks ...Check) *Proxy[T] {
	return &Proxy[T]{target: target, checks: checks}
}

// Name returns the wrapped class's name.
func (p *Proxy[T]) Name() string { return p.target.Name() }

// authorize builds the derivative context a permission callback and the
// wrapped call run in — it carries the caller's session forward and
// drops any version/ifModifiedSince hint set on ctx, leaving ctx itself
// unchanged — and runs every Check in order (§4.I steps 1-2).
func (p *Proxy[T]) authorize(ctx context.Context, method string, id any) (context.Context, error) {
	derived := opctx.NewContext(ctx)
	for _, check := range p.checks {
		ok, diagnostic := check(derived, method, id)
		if ok {
			continue
		}
		metrics.AccessDeniedTotal.WithLabelValues(p.target.Name(), method).Inc()
		if diagnostic == "" {
			diagnostic = fmt.Sprintf("%s denied for %v", method, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, diagnostic)
	}
	return derived, nil
}

// ForID authorizes and forwards to the wrapped target's ForID.
//
// The Checks run in the derived context like every other checked call;
// that context is then discarded, since store.Class.ForID does no I/O
// and takes no context.
func (p *Proxy[T]) ForID(ctx context.Context, id any) (*store.Entity[T], error) {
	if _, err := p.authorize(ctx, "ForID", id); err != nil {
		return nil, err
	}
	return p.target.ForID(id)
}

// ValueOf authorizes and forwards to the wrapped target's ValueOf,
// running it inside the derived context so a permission callback's own
// context manipulation can never leak into the wrapped read.
func (p *Proxy[T]) ValueOf(ctx context.Context, e *store.Entity[T]) (T, error) {
	derived, err := p.authorize(ctx, "ValueOf", e.ID())
	if err != nil {
		var zero T
		return zero, err
	}
	return p.target.ValueOf(derived, e)
}

// SetValue authorizes and forwards to the wrapped target's SetValue.
func (p *Proxy[T]) SetValue(ctx context.Context, e *store.Entity[T], v T) (*future.Handle, error) {
	derived, err := p.authorize(ctx, "SetValue", e.ID())
	if err != nil {
		return nil, err
	}
	return p.target.SetValue(derived, e, v)
}

// Remove authorizes and forwards to the wrapped target's Remove.
func (p *Proxy[T]) Remove(ctx context.Context, id any) (*future.Handle, error) {
	derived, err := p.authorize(ctx, "Remove", id)
	if err != nil {
		return nil, err
	}
	return p.target.Remove(derived, id)
}

// Notifies subscribes l directly against the wrapped target's own bus,
// not against some promise-shaped stand-in for it, so a downstream
// listener sees the real event stream (§4.I's "reactive variable"
// clause: subscription is proxied straight through).
func (p *Proxy[T]) Notifies(l bus.Listener) bus.Subscription {
	return p.target.Notifies(l)
}

// StopNotifies delegates directly to the wrapped target, never
// recursing through the proxy itself — §9's resolution of the source's
// stopNotifies bug.
func (p *Proxy[T]) StopNotifies(sub bus.Subscription) {
	p.target.StopNotifies(sub)
}
