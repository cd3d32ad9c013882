package discovery

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/horizoncircle/circle-recon/src/chain"
)

// Store is the cache surface the discoverer needs. *Cache implements it.
type Store interface {
	Get(ctx context.Context, user string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	PutMeta(ctx context.Context, circle string, meta *CircleMeta) error
	Valid(entry *Entry, now time.Time, currentHeight uint64) bool
}

// Discoverer finds the circle contracts a user belongs to by scanning the
// registry's CircleCreated logs and checking membership on each circle.
// Results are cached; a valid cache entry skips the chain entirely.
type Discoverer struct {
	gw          *chain.Gateway
	reader      *chain.Reader
	cache       Store
	registry    common.Address
	deployBlock uint64
}

func NewDiscoverer(gw *chain.Gateway, reader *chain.Reader, cache Store, registry common.Address, deployBlock uint64) *Discoverer {
	return &Discoverer{
		gw:          gw,
		reader:      reader,
		cache:       cache,
		registry:    registry,
		deployBlock: deployBlock,
	}
}

// Circles returns the user's circles and the chain height the answer is
// current as of. Invalid cache entries still bound the rescan: discovery
// resumes from the entry's last scanned block, not from the deploy block.
func (d *Discoverer) Circles(ctx context.Context, user common.Address) ([]common.Address, uint64, error) {
	height, err := d.gw.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("block number: %w", err)
	}

	entry, err := d.cache.Get(ctx, user.Hex())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery cache: %w", err)
	}
	if d.cache.Valid(entry, time.Now(), height) {
		return parseAddresses(entry.Circles), height, nil
	}

	from := d.deployBlock
	known := make(map[common.Address]bool)
	var circles []common.Address
	if entry != nil {
		from = entry.LastScannedBlock
		for _, c := range parseAddresses(entry.Circles) {
			known[c] = true
			circles = append(circles, c)
		}
	}

	logs, err := d.gw.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(height),
		Addresses: []common.Address{d.registry},
		Topics:    [][]common.Hash{{chain.CircleCreatedTopic()}},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("circle scan: %w", err)
	}

	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			log.Printf("discovery: skipping malformed CircleCreated log in tx %s", lg.TxHash)
			continue
		}
		circle := common.BytesToAddress(lg.Topics[1].Bytes())
		if known[circle] {
			continue
		}
		known[circle] = true

		member, err := d.reader.IsMember(ctx, circle, user)
		if err != nil {
			// Membership unknown: bail without writing the cache so the
			// next refresh retries; a wrong cached circle set would stick
			// for a full TTL.
			return nil, 0, fmt.Errorf("membership %s: %w", circle.Hex(), err)
		}
		if member {
			circles = append(circles, circle)
			d.cacheMeta(ctx, circle)
		}
	}

	hexes := make([]string, 0, len(circles))
	for _, c := range circles {
		hexes = append(hexes, c.Hex())
	}
	err = d.cache.Put(ctx, &Entry{
		User:             user.Hex(),
		Circles:          hexes,
		LastScannedBlock: height,
		CachedAt:         time.Now(),
		BlockHeight:      height,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("discovery cache put: %w", err)
	}
	return circles, height, nil
}

// cacheMeta records a circle's name and member count alongside the
// membership result. Metadata is cosmetic: a failed read is logged and
// discovery carries on.
func (d *Discoverer) cacheMeta(ctx context.Context, circle common.Address) {
	name, err := d.reader.CircleName(ctx, circle)
	if err != nil {
		log.Printf("discovery: name for %s: %v", circle.Hex(), err)
		return
	}
	count, err := d.reader.MemberCount(ctx, circle)
	if err != nil {
		log.Printf("discovery: member count for %s: %v", circle.Hex(), err)
		return
	}
	err = d.cache.PutMeta(ctx, circle.Hex(), &CircleMeta{
		Name:        name,
		MemberCount: int(count.Int64()),
		CachedAt:    time.Now(),
	})
	if err != nil {
		log.Printf("discovery: meta cache for %s: %v", circle.Hex(), err)
	}
}

// DeployBlock is the lower bound for any scan.
func (d *Discoverer) DeployBlock() uint64 {
	return d.deployBlock
}

func parseAddresses(hexes []string) []common.Address {
	addrs := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		addrs = append(addrs, common.HexToAddress(h))
	}
	return addrs
}
