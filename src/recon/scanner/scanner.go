package scanner

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/horizoncircle/circle-recon/src/chain"
	"github.com/horizoncircle/circle-recon/src/recon/types"
)

// Scanner pulls CollateralRequested events out of circle contracts.
type Scanner struct {
	gw *chain.Gateway
}

func New(gw *chain.Gateway) *Scanner {
	return &Scanner{gw: gw}
}

// ScanForRequests fetches CollateralRequested logs for every circle in the
// range [fromBlock, toBlock]. A circle with no events is simply a circle
// with no requests. Malformed events are logged and skipped; they never
// reach the aggregator.
func (s *Scanner) ScanForRequests(ctx context.Context, circles []common.Address, fromBlock, toBlock uint64) ([]types.RawRequest, error) {
	var out []types.RawRequest
	for _, circle := range circles {
		logs, err := s.gw.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{circle},
			Topics:    [][]common.Hash{{chain.CollateralRequestedTopic()}},
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", circle.Hex(), err)
		}
		for _, lg := range logs {
			req, err := chain.DecodeCollateralRequested(lg)
			if err != nil {
				log.Printf("scanner: skipping undecodable event in tx %s: %v", lg.TxHash, err)
				continue
			}
			if err := validate(req); err != nil {
				log.Printf("scanner: skipping malformed request %s: %v", req.RequestID.Hex(), err)
				continue
			}
			out = append(out, req)
		}
	}
	return out, nil
}

func validate(req types.RawRequest) error {
	if req.AmountNeeded == nil || req.AmountNeeded.Sign() <= 0 {
		return fmt.Errorf("non-positive amount")
	}
	if len(req.Contributors) == 0 {
		return fmt.Errorf("empty contributor list")
	}
	seen := make(map[common.Address]bool, len(req.Contributors))
	for _, c := range req.Contributors {
		if c == (common.Address{}) {
			return fmt.Errorf("zero-address contributor")
		}
		if seen[c] {
			return fmt.Errorf("duplicate contributor %s", c.Hex())
		}
		seen[c] = true
	}
	return nil
}
