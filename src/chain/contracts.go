package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/horizoncircle/circle-recon/src/recon/types"
)

// Hand-written ABI fragments for the two HorizonCircle contracts. Only the
// members the reconciler touches are present.
const registryABIJSON = `[
  {"type":"event","name":"CircleCreated","inputs":[
    {"name":"circle","type":"address","indexed":true},
    {"name":"creator","type":"address","indexed":true}]}
]`

const circleABIJSON = `[
  {"type":"function","name":"isMember","stateMutability":"view","inputs":[
    {"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"memberCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"CollateralRequested","inputs":[
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"borrower","type":"address","indexed":true},
    {"name":"amountNeeded","type":"uint256","indexed":false},
    {"name":"contributors","type":"address[]","indexed":false},
    {"name":"purpose","type":"string","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false},
    {"name":"createdAt","type":"uint256","indexed":false}]},
  {"type":"function","name":"getRequest","stateMutability":"view","inputs":[
    {"name":"requestId","type":"bytes32"}],
   "outputs":[
    {"name":"totalContributed","type":"uint256"},
    {"name":"fulfilled","type":"bool"},
    {"name":"executed","type":"bool"}]},
  {"type":"function","name":"getContribution","stateMutability":"view","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"contributor","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"hasDeclined","stateMutability":"view","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"contributor","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"contribute","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"declineRequest","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"executeLoan","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"}],"outputs":[]}
]`

var (
	registryABI = mustABI(registryABIJSON)
	circleABI   = mustABI(circleABIJSON)
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// CollateralRequestedTopic is the topic0 the scanner filters on.
func CollateralRequestedTopic() common.Hash {
	return circleABI.Events["CollateralRequested"].ID
}

// CircleCreatedTopic is the topic0 discovery filters on.
func CircleCreatedTopic() common.Hash {
	return registryABI.Events["CircleCreated"].ID
}

// DecodeCollateralRequested decodes one CollateralRequested log into a raw
// request record. Contributor-list validation happens in the scanner.
func DecodeCollateralRequested(lg ethtypes.Log) (types.RawRequest, error) {
	if len(lg.Topics) != 3 {
		return types.RawRequest{}, fmt.Errorf("collateral requested: want 3 topics, got %d", len(lg.Topics))
	}
	var ev struct {
		AmountNeeded *big.Int
		Contributors []common.Address
		Purpose      string
		Deadline     *big.Int
		CreatedAt    *big.Int
	}
	if err := circleABI.UnpackIntoInterface(&ev, "CollateralRequested", lg.Data); err != nil {
		return types.RawRequest{}, fmt.Errorf("collateral requested: %w", err)
	}
	return types.RawRequest{
		RequestID:    lg.Topics[1],
		Circle:       lg.Address,
		Borrower:     common.BytesToAddress(lg.Topics[2].Bytes()),
		AmountNeeded: ev.AmountNeeded,
		Contributors: ev.Contributors,
		Purpose:      ev.Purpose,
		Deadline:     time.Unix(ev.Deadline.Int64(), 0).UTC(),
		CreatedAt:    time.Unix(ev.CreatedAt.Int64(), 0).UTC(),
		BlockNumber:  lg.BlockNumber,
	}, nil
}

// EncodeCollateralRequested packs the non-indexed event fields. Test fakes
// build synthetic logs with it.
func EncodeCollateralRequested(amountNeeded *big.Int, contributors []common.Address, purpose string, deadline, createdAt time.Time) ([]byte, error) {
	args := circleABI.Events["CollateralRequested"].Inputs.NonIndexed()
	return args.Pack(amountNeeded, contributors, purpose,
		big.NewInt(deadline.Unix()), big.NewInt(createdAt.Unix()))
}

// Reader issues the contract view calls the reconciler depends on, all
// through the gateway.
type Reader struct {
	gw *Gateway
}

func NewReader(gw *Gateway) *Reader {
	return &Reader{gw: gw}
}

// IsMember asks a circle contract whether user belongs to it. Membership
// lives on the circle, not the registry.
func (r *Reader) IsMember(ctx context.Context, circle, user common.Address) (bool, error) {
	input, err := circleABI.Pack("isMember", user)
	if err != nil {
		return false, err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return false, err
	}
	vals, err := circleABI.Unpack("isMember", out)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// CircleName reads a circle's display name.
func (r *Reader) CircleName(ctx context.Context, circle common.Address) (string, error) {
	input, err := circleABI.Pack("name")
	if err != nil {
		return "", err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return "", err
	}
	vals, err := circleABI.Unpack("name", out)
	if err != nil {
		return "", fmt.Errorf("name: %w", err)
	}
	return vals[0].(string), nil
}

// MemberCount reads how many members a circle has.
func (r *Reader) MemberCount(ctx context.Context, circle common.Address) (*big.Int, error) {
	input, err := circleABI.Pack("memberCount")
	if err != nil {
		return nil, err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return nil, err
	}
	vals, err := circleABI.Unpack("memberCount", out)
	if err != nil {
		return nil, fmt.Errorf("memberCount: %w", err)
	}
	return vals[0].(*big.Int), nil
}

func (r *Reader) RequestState(ctx context.Context, circle common.Address, requestID common.Hash) (types.RequestState, error) {
	input, err := circleABI.Pack("getRequest", [32]byte(requestID))
	if err != nil {
		return types.RequestState{}, err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return types.RequestState{}, err
	}
	var st struct {
		TotalContributed *big.Int
		Fulfilled        bool
		Executed         bool
	}
	if err := circleABI.UnpackIntoInterface(&st, "getRequest", out); err != nil {
		return types.RequestState{}, fmt.Errorf("getRequest: %w", err)
	}
	return types.RequestState{
		TotalContributed: st.TotalContributed,
		Fulfilled:        st.Fulfilled,
		Executed:         st.Executed,
	}, nil
}

func (r *Reader) Contribution(ctx context.Context, circle common.Address, requestID common.Hash, contributor common.Address) (*big.Int, error) {
	input, err := circleABI.Pack("getContribution", [32]byte(requestID), contributor)
	if err != nil {
		return nil, err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return nil, err
	}
	vals, err := circleABI.Unpack("getContribution", out)
	if err != nil {
		return nil, fmt.Errorf("getContribution: %w", err)
	}
	return vals[0].(*big.Int), nil
}

func (r *Reader) HasDeclined(ctx context.Context, circle common.Address, requestID common.Hash, contributor common.Address) (bool, error) {
	input, err := circleABI.Pack("hasDeclined", [32]byte(requestID), contributor)
	if err != nil {
		return false, err
	}
	out, err := r.gw.CallContract(ctx, circle, input)
	if err != nil {
		return false, err
	}
	vals, err := circleABI.Unpack("hasDeclined", out)
	if err != nil {
		return false, fmt.Errorf("hasDeclined: %w", err)
	}
	return vals[0].(bool), nil
}
