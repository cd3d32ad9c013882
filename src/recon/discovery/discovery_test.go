package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizoncircle/circle-recon/src/chain"
)

type memStore struct {
	entry *Entry
	valid bool
	puts  []*Entry
	metas map[string]*CircleMeta
}

func (m *memStore) Get(ctx context.Context, user string) (*Entry, error) { return m.entry, nil }
func (m *memStore) Put(ctx context.Context, entry *Entry) error {
	m.puts = append(m.puts, entry)
	return nil
}
func (m *memStore) PutMeta(ctx context.Context, circle string, meta *CircleMeta) error {
	if m.metas == nil {
		m.metas = make(map[string]*CircleMeta)
	}
	m.metas[circle] = meta
	return nil
}
func (m *memStore) Valid(entry *Entry, now time.Time, height uint64) bool {
	return entry != nil && m.valid
}

var (
	selIsMember    = crypto.Keccak256([]byte("isMember(address)"))[:4]
	selName        = crypto.Keccak256([]byte("name()"))[:4]
	selMemberCount = crypto.Keccak256([]byte("memberCount()"))[:4]
)

func abiType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	stringOut  = abi.Arguments{{Type: abiType("string")}}
	uint256Out = abi.Arguments{{Type: abiType("uint256")}}
)

type discoveryBackend struct {
	height    uint64
	logs      []ethtypes.Log
	members   map[common.Address]bool
	memberErr map[common.Address]error
	names     map[common.Address]string
	counts    map[common.Address]int64
	metaErr   map[common.Address]error
	queries   []ethereum.FilterQuery
}

func (b *discoveryBackend) BlockNumber(ctx context.Context) (uint64, error) { return b.height, nil }

func (b *discoveryBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	b.queries = append(b.queries, q)
	return b.logs, nil
}

func (b *discoveryBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	switch {
	case bytes.Equal(call.Data[:4], selIsMember):
		if err := b.memberErr[*call.To]; err != nil {
			return nil, err
		}
		out := make([]byte, 32)
		if b.members[*call.To] {
			out[31] = 1
		}
		return out, nil
	case bytes.Equal(call.Data[:4], selName):
		if err := b.metaErr[*call.To]; err != nil {
			return nil, err
		}
		return stringOut.Pack(b.names[*call.To])
	case bytes.Equal(call.Data[:4], selMemberCount):
		if err := b.metaErr[*call.To]; err != nil {
			return nil, err
		}
		return uint256Out.Pack(big.NewInt(b.counts[*call.To]))
	}
	return nil, fmt.Errorf("unexpected call %x", call.Data[:4])
}

func (b *discoveryBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (b *discoveryBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *discoveryBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}

var (
	registry = common.HexToAddress("0xffff000000000000000000000000000000000000")
	circleA  = common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	circleB  = common.HexToAddress("0xbbbb000000000000000000000000000000000000")
	circleC  = common.HexToAddress("0xcccc000000000000000000000000000000000000")
	user     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func createdLog(circle common.Address) ethtypes.Log {
	return ethtypes.Log{
		Address: registry,
		Topics: []common.Hash{
			chain.CircleCreatedTopic(),
			common.BytesToHash(circle.Bytes()),
			common.BytesToHash(user.Bytes()),
		},
	}
}

func newDiscoverer(t *testing.T, backend chain.Backend, store Store) *Discoverer {
	t.Helper()
	gw := chain.NewGateway(backend, time.Millisecond, time.Millisecond, 1)
	t.Cleanup(gw.Close)
	return NewDiscoverer(gw, chain.NewReader(gw), store, registry, 10)
}

func TestDiscoverFirstRun(t *testing.T) {
	backend := &discoveryBackend{
		height:  500,
		logs:    []ethtypes.Log{createdLog(circleA), createdLog(circleB)},
		members: map[common.Address]bool{circleA: true},
		names:   map[common.Address]string{circleA: "Alpha Savers"},
		counts:  map[common.Address]int64{circleA: 4},
	}
	store := &memStore{}
	d := newDiscoverer(t, backend, store)

	circles, height, err := d.Circles(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), height)
	assert.Equal(t, []common.Address{circleA}, circles)

	// first run scans from the deploy block
	require.Len(t, backend.queries, 1)
	assert.Equal(t, uint64(10), backend.queries[0].FromBlock.Uint64())

	require.Len(t, store.puts, 1)
	assert.Equal(t, uint64(500), store.puts[0].LastScannedBlock)
	assert.Equal(t, uint64(500), store.puts[0].BlockHeight)

	// metadata is recorded for the member circle only
	require.Contains(t, store.metas, circleA.Hex())
	assert.Equal(t, "Alpha Savers", store.metas[circleA.Hex()].Name)
	assert.Equal(t, 4, store.metas[circleA.Hex()].MemberCount)
	assert.NotContains(t, store.metas, circleB.Hex())
}

func TestMetaReadFailureDoesNotAbortDiscovery(t *testing.T) {
	backend := &discoveryBackend{
		height:  500,
		logs:    []ethtypes.Log{createdLog(circleA)},
		members: map[common.Address]bool{circleA: true},
		metaErr: map[common.Address]error{circleA: errors.New("execution reverted")},
	}
	store := &memStore{}
	d := newDiscoverer(t, backend, store)

	circles, _, err := d.Circles(context.Background(), user)
	require.NoError(t, err, "metadata is cosmetic; a failed read must not fail discovery")
	assert.Equal(t, []common.Address{circleA}, circles)
	require.Len(t, store.puts, 1)
	assert.Empty(t, store.metas)
}

func TestDiscoverValidCacheSkipsChainScan(t *testing.T) {
	backend := &discoveryBackend{height: 500}
	store := &memStore{
		entry: &Entry{Circles: []string{circleA.Hex()}, LastScannedBlock: 400},
		valid: true,
	}
	d := newDiscoverer(t, backend, store)

	circles, _, err := d.Circles(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{circleA}, circles)
	assert.Empty(t, backend.queries, "valid cache entry must not trigger a log scan")
	assert.Empty(t, store.puts)
}

func TestRediscoveryResumesFromLastScannedBlock(t *testing.T) {
	backend := &discoveryBackend{
		height:  600,
		logs:    []ethtypes.Log{createdLog(circleC)},
		members: map[common.Address]bool{circleC: true},
	}
	store := &memStore{
		entry: &Entry{Circles: []string{circleA.Hex()}, LastScannedBlock: 400},
		valid: false,
	}
	d := newDiscoverer(t, backend, store)

	circles, _, err := d.Circles(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{circleA, circleC}, circles, "known circles survive rediscovery")

	require.Len(t, backend.queries, 1)
	assert.Equal(t, uint64(400), backend.queries[0].FromBlock.Uint64(), "rescan resumes, not restarts")
}

func TestMembershipReadFailureAbortsWithoutCacheWrite(t *testing.T) {
	backend := &discoveryBackend{
		height:    500,
		logs:      []ethtypes.Log{createdLog(circleA)},
		memberErr: map[common.Address]error{circleA: errors.New("connection refused")},
	}
	store := &memStore{}
	d := newDiscoverer(t, backend, store)

	_, _, err := d.Circles(context.Background(), user)
	require.Error(t, err)
	assert.Empty(t, store.puts, "a partial answer must not be cached for a full TTL")
}
