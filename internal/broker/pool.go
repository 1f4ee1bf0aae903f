package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Pool is a bounded set of gateway connections with checkout/return
// semantics. Callers never construct ad hoc connections per request; they
// borrow from the pool and give back when done.
type Pool struct {
	conns  chan Gateway
	size   int
	logger *zap.Logger
}

// NewPool builds size gateways with factory and connects each.
func NewPool(ctx context.Context, size int, factory func() (Gateway, error), logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		conns:  make(chan Gateway, size),
		size:   size,
		logger: logger,
	}
	for i := 0; i < size; i++ {
		gw, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build gateway %d: %w", i, err)
		}
		if err := gw.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect gateway %d: %w", i, err)
		}
		p.conns <- gw
	}
	return p, nil
}

// Get checks a gateway out, blocking until one is free or ctx ends.
func (p *Pool) Get(ctx context.Context) (Gateway, error) {
	select {
	case gw := <-p.conns:
		return gw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a gateway to the pool.
func (p *Pool) Put(gw Gateway) {
	if gw == nil {
		return
	}
	select {
	case p.conns <- gw:
	default:
		// Returning more than was borrowed is a programming error; drop.
		if p.logger != nil {
			p.logger.Warn("pool overflow on return", zap.String("gateway", gw.Name()))
		}
	}
}

// With borrows a gateway for the duration of fn.
func (p *Pool) With(ctx context.Context, fn func(Gateway) error) error {
	gw, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(gw)
	return fn(gw)
}

// HealthCheck re-runs Connect on every currently idle gateway. Borrowed
// connections are checked on their next Connect-dependent call.
func (p *Pool) HealthCheck(ctx context.Context) error {
	checked := 0
	for {
		select {
		case gw := <-p.conns:
			err := gw.Connect(ctx)
			p.conns <- gw
			if err != nil {
				return fmt.Errorf("gateway %s unhealthy: %w", gw.Name(), err)
			}
			checked++
			if checked >= p.size {
				return nil
			}
		default:
			return nil
		}
	}
}

// Size returns the configured pool bound.
func (p *Pool) Size() int { return p.size }
