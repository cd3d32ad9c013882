package resolver

import (
	"context"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is a contributor's answer to a request. Unknown is a first-class
// state: a failed read is not Pending, and nothing downstream may coerce
// it into one.
type Kind int

const (
	Unknown Kind = iota
	Pending
	Declined
	Contributed
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Declined:
		return "declined"
	case Contributed:
		return "contributed"
	default:
		return "unknown"
	}
}

type Status struct {
	Kind   Kind
	Amount *big.Int // set when Kind == Contributed
}

// Responded reports whether the contributor has given a definitive answer.
func (s Status) Responded() bool {
	return s.Kind == Contributed || s.Kind == Declined
}

// ContractReader is the slice of chain.Reader the resolver needs.
type ContractReader interface {
	Contribution(ctx context.Context, circle common.Address, requestID common.Hash, contributor common.Address) (*big.Int, error)
	HasDeclined(ctx context.Context, circle common.Address, requestID common.Hash, contributor common.Address) (bool, error)
}

type Resolver struct {
	reader ContractReader
}

func New(reader ContractReader) *Resolver {
	return &Resolver{reader: reader}
}

// Resolve determines each contributor's status from two contract reads.
// Contributors are resolved concurrently; the gateway serializes the actual
// RPC traffic. The map always has one entry per contributor.
func (r *Resolver) Resolve(ctx context.Context, circle common.Address, requestID common.Hash, contributors []common.Address) map[common.Address]Status {
	statuses := make(map[common.Address]Status, len(contributors))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, contributor := range contributors {
		wg.Add(1)
		go func(contributor common.Address) {
			defer wg.Done()
			st := r.resolveOne(ctx, circle, requestID, contributor)
			mu.Lock()
			statuses[contributor] = st
			mu.Unlock()
		}(contributor)
	}
	wg.Wait()
	return statuses
}

func (r *Resolver) resolveOne(ctx context.Context, circle common.Address, requestID common.Hash, contributor common.Address) Status {
	amount, amountErr := r.reader.Contribution(ctx, circle, requestID, contributor)
	// A positive contribution decides the status on its own; the decline
	// flag is irrelevant even when set.
	if amountErr == nil && amount != nil && amount.Sign() > 0 {
		return Status{Kind: Contributed, Amount: amount}
	}

	declined, declineErr := r.reader.HasDeclined(ctx, circle, requestID, contributor)
	if amountErr != nil || declineErr != nil {
		log.Printf("resolver: %s/%s reads failed (contribution: %v, decline: %v)",
			requestID.Hex(), contributor.Hex(), amountErr, declineErr)
		return Status{Kind: Unknown}
	}
	if declined {
		return Status{Kind: Declined}
	}
	return Status{Kind: Pending}
}

// AllResponded reports whether every contributor has a definitive answer.
// Unknown blocks it just as Pending does.
func AllResponded(statuses map[common.Address]Status) bool {
	for _, st := range statuses {
		if !st.Responded() {
			return false
		}
	}
	return len(statuses) > 0
}
