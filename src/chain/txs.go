package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Fixed limit; the three circle methods are simple storage writes.
const writeGasLimit = 300_000

// Writer signs and submits the three circle write actions with the operator
// key. Writes are never retried (see Gateway.SendTransaction); failures go
// straight back to the caller with the provider's reason string.
type Writer struct {
	gw      *Gateway
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

func NewWriter(gw *Gateway, hexKey string, chainID int64) (*Writer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	return &Writer{
		gw:      gw,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

func (w *Writer) From() common.Address {
	return w.from
}

func (w *Writer) Contribute(ctx context.Context, circle common.Address, requestID common.Hash, amount *big.Int) (common.Hash, error) {
	input, err := circleABI.Pack("contribute", [32]byte(requestID), amount)
	if err != nil {
		return common.Hash{}, err
	}
	return w.send(ctx, circle, input)
}

func (w *Writer) Decline(ctx context.Context, circle common.Address, requestID common.Hash) (common.Hash, error) {
	input, err := circleABI.Pack("declineRequest", [32]byte(requestID))
	if err != nil {
		return common.Hash{}, err
	}
	return w.send(ctx, circle, input)
}

func (w *Writer) Execute(ctx context.Context, circle common.Address, requestID common.Hash) (common.Hash, error) {
	input, err := circleABI.Pack("executeLoan", [32]byte(requestID))
	if err != nil {
		return common.Hash{}, err
	}
	return w.send(ctx, circle, input)
}

func (w *Writer) send(ctx context.Context, to common.Address, input []byte) (common.Hash, error) {
	nonce, err := w.gw.PendingNonceAt(ctx, w.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := w.gw.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      writeGasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := w.gw.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}
