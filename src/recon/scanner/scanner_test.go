package scanner

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizoncircle/circle-recon/src/chain"
)

// logBackend serves canned logs per contract address.
type logBackend struct {
	logs map[common.Address][]ethtypes.Log
}

func (b *logBackend) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (b *logBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var out []ethtypes.Log
	for _, addr := range q.Addresses {
		out = append(out, b.logs[addr]...)
	}
	return out, nil
}

func (b *logBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (b *logBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (b *logBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *logBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}

var (
	circleA = common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	circleB = common.HexToAddress("0xbbbb000000000000000000000000000000000000")
)

func requestLog(t *testing.T, circle common.Address, id byte, contributors []common.Address) ethtypes.Log {
	t.Helper()
	payload, err := chain.EncodeCollateralRequested(
		big.NewInt(500), contributors, "seed capital",
		time.Now().Add(48*time.Hour), time.Now())
	require.NoError(t, err)
	return ethtypes.Log{
		Address: circle,
		Topics: []common.Hash{
			chain.CollateralRequestedTopic(),
			common.BytesToHash([]byte{id}),
			common.BytesToHash(common.HexToAddress("0x1234").Bytes()),
		},
		Data:        payload,
		BlockNumber: 50,
	}
}

func newScanner(t *testing.T, backend chain.Backend) *Scanner {
	t.Helper()
	gw := chain.NewGateway(backend, time.Millisecond, time.Millisecond, 1)
	t.Cleanup(gw.Close)
	return New(gw)
}

func TestScanForRequests(t *testing.T) {
	good := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	backend := &logBackend{logs: map[common.Address][]ethtypes.Log{
		circleA: {requestLog(t, circleA, 1, good)},
		circleB: {requestLog(t, circleB, 2, good)},
	}}
	s := newScanner(t, backend)

	out, err := s.ScanForRequests(context.Background(), []common.Address{circleA, circleB}, 0, 100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, circleA, out[0].Circle)
	assert.Equal(t, circleB, out[1].Circle)
	assert.Equal(t, good, out[0].Contributors)
}

func TestScanEmptyCircleIsNotAnError(t *testing.T) {
	backend := &logBackend{logs: map[common.Address][]ethtypes.Log{}}
	s := newScanner(t, backend)

	out, err := s.ScanForRequests(context.Background(), []common.Address{circleA}, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScanSkipsMalformedEvents(t *testing.T) {
	good := []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}
	garbage := requestLog(t, circleA, 1, good)
	garbage.Data = []byte{0x01, 0x02}

	zeroContributor := requestLog(t, circleA, 2, []common.Address{{}})
	empty := requestLog(t, circleA, 3, nil)
	duplicate := requestLog(t, circleA, 4, []common.Address{good[0], good[0]})
	valid := requestLog(t, circleA, 5, good)

	backend := &logBackend{logs: map[common.Address][]ethtypes.Log{
		circleA: {garbage, zeroContributor, empty, duplicate, valid},
	}}
	s := newScanner(t, backend)

	out, err := s.ScanForRequests(context.Background(), []common.Address{circleA}, 0, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, common.BytesToHash([]byte{5}), out[0].RequestID)
}
