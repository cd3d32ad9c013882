package aggregator

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/horizoncircle/circle-recon/src/recon/resolver"
	"github.com/horizoncircle/circle-recon/src/recon/types"
)

// CachedResponse is a confirmed answer recorded by this service when the
// contributor's transaction was accepted. It may stand in for an Unknown
// resolver status; it never overrides a successful read.
type CachedResponse struct {
	Kind   resolver.Kind
	Amount *big.Int
}

// Aggregate merges scanner output, resolver statuses and the confirmed
// response overlay into the deduplicated, filtered, ordered list of
// actionable requests. It is a pure function: same inputs, same output.
func Aggregate(
	raw []types.RawRequest,
	statuses map[common.Hash]map[common.Address]resolver.Status,
	cached map[common.Hash]map[common.Address]CachedResponse,
	now time.Time,
) []types.ActiveRequest {
	seen := make(map[common.Hash]bool, len(raw))
	out := make([]types.ActiveRequest, 0, len(raw))

	for _, req := range raw {
		if seen[req.RequestID] {
			continue
		}
		seen[req.RequestID] = true

		if req.StateRead && req.Executed {
			continue
		}
		if !req.Deadline.After(now) {
			continue
		}

		effective := overlay(statuses[req.RequestID], cached[req.RequestID], req.Contributors)
		allResponded := resolver.AllResponded(effective)

		total := req.TotalContributed
		if total == nil {
			total = sumContributions(effective)
		}
		fulfilled := req.Fulfilled || total.Cmp(req.AmountNeeded) >= 0

		// Executable hinges on every contributor having answered, not on
		// full funding: the contract permits executing a partially funded
		// request. A state read failure keeps executable off because
		// executed cannot be ruled out.
		executable := allResponded && req.StateRead && !req.Executed

		out = append(out, types.ActiveRequest{
			ID:               requestKey(req.Circle, req.RequestID),
			RequestID:        req.RequestID.Hex(),
			Borrower:         req.Borrower.Hex(),
			Amount:           req.AmountNeeded.String(),
			Contributors:     hexAddresses(req.Contributors),
			Purpose:          req.Purpose,
			CircleAddress:    req.Circle.Hex(),
			Deadline:         req.Deadline,
			TotalContributed: total.String(),
			Fulfilled:        fulfilled,
			Executed:         false,
			Executable:       executable,
			State:            stateOf(total, req.AmountNeeded),
			CreatedAt:        req.CreatedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// overlay substitutes confirmed cached answers for Unknown statuses. A
// contributor with neither a resolved status nor a cached answer stays
// Unknown.
func overlay(
	resolved map[common.Address]resolver.Status,
	cached map[common.Address]CachedResponse,
	contributors []common.Address,
) map[common.Address]resolver.Status {
	effective := make(map[common.Address]resolver.Status, len(contributors))
	for _, contributor := range contributors {
		st, ok := resolved[contributor]
		if !ok {
			st = resolver.Status{Kind: resolver.Unknown}
		}
		if st.Kind == resolver.Unknown {
			if c, ok := cached[contributor]; ok && (c.Kind == resolver.Contributed || c.Kind == resolver.Declined) {
				st = resolver.Status{Kind: c.Kind, Amount: c.Amount}
			}
		}
		effective[contributor] = st
	}
	return effective
}

func sumContributions(statuses map[common.Address]resolver.Status) *big.Int {
	total := new(big.Int)
	for _, st := range statuses {
		if st.Kind == resolver.Contributed && st.Amount != nil {
			total.Add(total, st.Amount)
		}
	}
	return total
}

func stateOf(total, needed *big.Int) string {
	switch {
	case total.Sign() == 0:
		return types.StatePending
	case total.Cmp(needed) < 0:
		return types.StatePartiallyFunded
	default:
		return types.StateFulfilled
	}
}

func requestKey(circle common.Address, requestID common.Hash) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(circle.Hex()), strings.ToLower(requestID.Hex()))
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Hex())
	}
	return out
}
