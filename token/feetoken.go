package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FeeOnTransferToken skims a percentage of every transfer, delivering less
// than requested. The router must reject such tokens via its balance-delta
// check; this type exists so tests can prove that it does.
type FeeOnTransferToken struct {
	*Ledger
	feeBps uint64 // out of 100_000
	sink   common.Address
}

func NewFeeOnTransferToken(symbol string, decimals uint8, feeBps uint64, sink common.Address) *FeeOnTransferToken {
	return &FeeOnTransferToken{Ledger: NewLedger(symbol, decimals), feeBps: feeBps, sink: sink}
}

func (t *FeeOnTransferToken) Transfer(from, to common.Address, amount *big.Int) error {
	fee := t.fee(amount)
	if err := t.Ledger.Transfer(from, to, new(big.Int).Sub(amount, fee)); err != nil {
		return err
	}
	return t.Ledger.Transfer(from, t.sink, fee)
}

func (t *FeeOnTransferToken) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	fee := t.fee(amount)
	if err := t.Ledger.TransferFrom(spender, owner, to, new(big.Int).Sub(amount, fee)); err != nil {
		return err
	}
	return t.Ledger.Transfer(owner, t.sink, fee)
}

func (t *FeeOnTransferToken) fee(amount *big.Int) *big.Int {
	p := new(big.Int).Mul(amount, new(big.Int).SetUint64(t.feeBps))
	return p.Quo(p, big.NewInt(100_000))
}
