package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrClosed is returned for calls enqueued after Close.
var ErrClosed = errors.New("gateway closed")

const maxBackoff = 30 * time.Second

// Gateway funnels every chain read and write through one FIFO queue: at most
// one call in flight, a fixed delay between completions, and exponential
// backoff on rate-limited failures. This is backpressure against upstream
// rate limits, not a performance feature.
type Gateway struct {
	backend        Backend
	jobs           chan *job
	quit           chan struct{}
	done           chan struct{}
	spacing        time.Duration
	initialBackoff time.Duration
	maxRetries     int
	closeOnce      sync.Once
}

type job struct {
	ctx   context.Context
	run   func(context.Context) (interface{}, error)
	retry bool
	res   chan result
}

type result struct {
	val interface{}
	err error
}

func NewGateway(backend Backend, spacing, initialBackoff time.Duration, maxRetries int) *Gateway {
	g := &Gateway{
		backend:        backend,
		jobs:           make(chan *job, 256),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		spacing:        spacing,
		initialBackoff: initialBackoff,
		maxRetries:     maxRetries,
	}
	go g.loop()
	return g
}

// Close stops the worker. Queued jobs fail with ErrClosed.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.quit) })
	<-g.done
}

func (g *Gateway) loop() {
	defer close(g.done)
	for {
		select {
		case <-g.quit:
			g.drain()
			return
		case j := <-g.jobs:
			g.execute(j)
			select {
			case <-time.After(g.spacing):
			case <-g.quit:
				g.drain()
				return
			}
		}
	}
}

func (g *Gateway) drain() {
	for {
		select {
		case j := <-g.jobs:
			j.res <- result{err: ErrClosed}
		default:
			return
		}
	}
}

func (g *Gateway) execute(j *job) {
	// The owner may have gone away while the job sat in the queue; do not
	// issue calls nobody is waiting for.
	if err := j.ctx.Err(); err != nil {
		j.res <- result{err: err}
		return
	}

	delay := g.initialBackoff
	for attempt := 0; ; attempt++ {
		val, err := j.run(j.ctx)
		if err == nil || !j.retry || !IsRateLimited(err) || attempt >= g.maxRetries {
			j.res <- result{val: val, err: err}
			return
		}
		t := time.NewTimer(delay)
		select {
		case <-j.ctx.Done():
			t.Stop()
			j.res <- result{err: j.ctx.Err()}
			return
		case <-g.quit:
			t.Stop()
			j.res <- result{err: ErrClosed}
			return
		case <-t.C:
		}
		if delay < maxBackoff {
			delay *= 2
		}
	}
}

func (g *Gateway) enqueue(ctx context.Context, retry bool, run func(context.Context) (interface{}, error)) (interface{}, error) {
	j := &job{ctx: ctx, run: run, retry: retry, res: make(chan result, 1)}
	select {
	case g.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.quit:
		return nil, ErrClosed
	}
	select {
	case r := <-j.res:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		// The job slipped into the queue as the worker was shutting down.
		return nil, ErrClosed
	}
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	v, err := g.enqueue(ctx, true, func(ctx context.Context) (interface{}, error) {
		return g.backend.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (g *Gateway) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	v, err := g.enqueue(ctx, true, func(ctx context.Context) (interface{}, error) {
		return g.backend.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ethtypes.Log), nil
}

func (g *Gateway) CallContract(ctx context.Context, to common.Address, input []byte) ([]byte, error) {
	v, err := g.enqueue(ctx, true, func(ctx context.Context) (interface{}, error) {
		return g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Gateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	v, err := g.enqueue(ctx, true, func(ctx context.Context) (interface{}, error) {
		return g.backend.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	v, err := g.enqueue(ctx, true, func(ctx context.Context) (interface{}, error) {
		return g.backend.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// SendTransaction is never retried: resubmitting a financial action must be
// the caller's explicit decision, not the queue's.
func (g *Gateway) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	_, err := g.enqueue(ctx, false, func(ctx context.Context) (interface{}, error) {
		return nil, g.backend.SendTransaction(ctx, tx)
	})
	return err
}
