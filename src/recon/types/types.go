package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawRequest is a CollateralRequested event decoded from a circle contract,
// enriched with the on-chain request state read after discovery.
type RawRequest struct {
	RequestID    common.Hash
	Circle       common.Address
	Borrower     common.Address
	AmountNeeded *big.Int
	Contributors []common.Address
	Purpose      string
	Deadline     time.Time
	CreatedAt    time.Time
	BlockNumber  uint64

	// Filled from getRequest. StateRead is false when the read failed;
	// the aggregator then treats executed/fulfilled as unknown.
	StateRead        bool
	TotalContributed *big.Int
	Fulfilled        bool
	Executed         bool
}

// RequestState is the mutable slice of a request read via getRequest.
type RequestState struct {
	TotalContributed *big.Int
	Fulfilled        bool
	Executed         bool
}

// Request lifecycle states as surfaced to the API.
const (
	StatePending         = "pending"
	StatePartiallyFunded = "partially_funded"
	StateFulfilled       = "fulfilled"
	StateExecuted        = "executed"
	StateExpired         = "expired"
)

// ActiveRequest is the API view of an actionable collateral request.
// Big integers travel as decimal strings.
type ActiveRequest struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"requestId"`
	Borrower         string    `json:"borrower"`
	Amount           string    `json:"amount"`
	Contributors     []string  `json:"contributors"`
	Purpose          string    `json:"purpose"`
	CircleAddress    string    `json:"circleAddress"`
	Deadline         time.Time `json:"deadline"`
	TotalContributed string    `json:"totalContributed"`
	Fulfilled        bool      `json:"fulfilled"`
	Executed         bool      `json:"executed"`
	Executable       bool      `json:"executable"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CircleInfo is one circle as the API reports it. Name and MemberCount come
// from the discovery metadata cache and may be absent.
type CircleInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	MemberCount int    `json:"memberCount,omitempty"`
}

// ---------- gorm models ----------

// RequestSnapshot is the persisted view of a request after aggregation.
// It exists so operators can inspect reconciler output and so the API can
// serve a stale copy when the chain is unreachable.
type RequestSnapshot struct {
	ID               uint64 `gorm:"primaryKey"`
	RequestID        string `gorm:"size:66;uniqueIndex;not null"`
	Circle           string `gorm:"size:42;index;not null"`
	Borrower         string `gorm:"size:42;index;not null"`
	AmountNeeded     string `gorm:"size:78;not null"`
	TotalContributed string `gorm:"size:78"`
	Contributors     string `gorm:"type:text"` // JSON array of addresses
	Purpose          string `gorm:"size:255"`
	Deadline         time.Time
	Fulfilled        bool
	Executed         bool
	Executable       bool
	State            string `gorm:"size:32"`
	RequestCreatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ResponseRecord is one contributor's resolved answer for a request.
type ResponseRecord struct {
	ID          uint64 `gorm:"primaryKey"`
	RequestID   string `gorm:"size:66;index:idx_resp,unique;not null"`
	Contributor string `gorm:"size:42;index:idx_resp,unique;not null"`
	Status      string `gorm:"size:16;not null"` // contributed|declined|pending|unknown
	Amount      string `gorm:"size:78"`
	UpdatedAt   time.Time
}

// TrackedUser records addresses the pipeline keeps fresh between queries.
type TrackedUser struct {
	Address    string `gorm:"size:42;primaryKey"`
	LastQuery  time.Time
	LastCircle string `gorm:"size:42"`
}
