package rate

import (
	"context"
	"fmt"
	"time"
)

// Limiter gates outbound Gmail API calls so a labeling run stays inside the
// per-user quota even when a sender matches hundreds of messages.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a fixed-rate limiter. One token is buffered up front so the
// first call never waits.
type TokenBucket struct {
	ticker *time.Ticker
	tokens chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// NewTokenBucket returns a limiter that releases rps tokens per second.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		ticker: time.NewTicker(time.Second / time.Duration(rps)),
		tokens: make(chan struct{}, rps),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	tb.tokens <- struct{}{}
	go tb.fill()
	return tb
}

func (t *TokenBucket) fill() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			return
		case <-t.ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default: // bucket full, drop the tick
			}
		}
	}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// Stop terminates the fill goroutine. Tokens already buffered remain
// consumable; Stop must be called exactly once.
func (t *TokenBucket) Stop() {
	t.ticker.Stop()
	close(t.quit)
	<-t.done
}

var _ Limiter = (*TokenBucket)(nil)
