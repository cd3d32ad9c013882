package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       int

	blockNumberFn func(int) (uint64, error)
	sendFn        func(int) error
	callFn        func(int) ([]byte, error)
	filterFn      func(int) ([]ethtypes.Log, error)
}

func (f *fakeBackend) enter() int {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	n := f.calls
	f.mu.Unlock()
	return n
}

func (f *fakeBackend) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	n := f.enter()
	defer f.leave()
	time.Sleep(2 * time.Millisecond)
	if f.blockNumberFn != nil {
		return f.blockNumberFn(n)
	}
	return 100, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	n := f.enter()
	defer f.leave()
	if f.filterFn != nil {
		return f.filterFn(n)
	}
	return nil, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	n := f.enter()
	defer f.leave()
	if f.callFn != nil {
		return f.callFn(n)
	}
	return nil, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.enter()
	defer f.leave()
	return 0, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.enter()
	defer f.leave()
	return big.NewInt(1), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	n := f.enter()
	defer f.leave()
	if f.sendFn != nil {
		return f.sendFn(n)
	}
	return nil
}

func newTestGateway(t *testing.T, backend Backend) *Gateway {
	t.Helper()
	gw := NewGateway(backend, time.Millisecond, time.Millisecond, 3)
	t.Cleanup(gw.Close)
	return gw
}

func TestGatewaySerializesCalls(t *testing.T) {
	backend := &fakeBackend{}
	gw := newTestGateway(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.BlockNumber(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, backend.maxInFlight, "gateway must keep at most one call in flight")
	assert.Equal(t, 10, backend.calls)
}

func TestGatewayRetriesRateLimit(t *testing.T) {
	backend := &fakeBackend{
		blockNumberFn: func(call int) (uint64, error) {
			if call <= 2 {
				return 0, errors.New("429 too many requests")
			}
			return 42, nil
		},
	}
	gw := newTestGateway(t, backend)

	n, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, 3, backend.calls)
}

func TestGatewayRetryExhaustion(t *testing.T) {
	backend := &fakeBackend{
		blockNumberFn: func(int) (uint64, error) {
			return 0, errors.New("rate limit exceeded")
		},
	}
	gw := NewGateway(backend, time.Millisecond, time.Millisecond, 2)
	defer gw.Close()

	_, err := gw.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	// initial attempt plus two retries
	assert.Equal(t, 3, backend.calls)
}

func TestGatewayNonRateLimitErrorPropagatesImmediately(t *testing.T) {
	backend := &fakeBackend{
		blockNumberFn: func(int) (uint64, error) {
			return 0, errors.New("execution reverted")
		},
	}
	gw := newTestGateway(t, backend)

	_, err := gw.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestGatewayCanceledContext(t *testing.T) {
	backend := &fakeBackend{}
	gw := newTestGateway(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gw.BlockNumber(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGatewayCancelDuringBackoff(t *testing.T) {
	backend := &fakeBackend{
		blockNumberFn: func(int) (uint64, error) {
			return 0, errors.New("429")
		},
	}
	gw := NewGateway(backend, time.Millisecond, time.Hour, 3)
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := gw.BlockNumber(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt backoff")
}

func TestGatewaySendTransactionNotRetried(t *testing.T) {
	backend := &fakeBackend{
		sendFn: func(int) error {
			return errors.New("429 too many requests")
		},
	}
	gw := newTestGateway(t, backend)

	to := common.HexToAddress("0x1")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	err := gw.SendTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls, "financial writes must not be auto-retried")
}

func TestGatewayClose(t *testing.T) {
	backend := &fakeBackend{}
	gw := NewGateway(backend, time.Millisecond, time.Millisecond, 3)
	gw.Close()

	_, err := gw.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestIsRateLimited(t *testing.T) {
	assert.False(t, IsRateLimited(nil))
	assert.False(t, IsRateLimited(errors.New("execution reverted")))
	assert.True(t, IsRateLimited(errors.New("HTTP 429")))
	assert.True(t, IsRateLimited(errors.New("Rate Limit reached")))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
	assert.True(t, IsRateLimited(errors.New("json-rpc error -32005")))
}
