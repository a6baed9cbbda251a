package token

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/peterldowns/testy/check"
)

var (
	alice = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb000000000000000000000000000000000000002")
	carol = common.HexToAddress("0xc000000000000000000000000000000000000003")
)

func amt(v int64) *big.Int { return big.NewInt(v) }

func TestLedger_MintAndTransfer(t *testing.T) {
	l := NewLedger("USDC", 6)
	l.Mint(alice, amt(1000))

	check.Equal(t, "1000", l.BalanceOf(alice).String())
	check.Equal(t, "1000", l.TotalSupply().String())

	check.NoError(t, l.Transfer(alice, bob, amt(400)))
	check.Equal(t, "600", l.BalanceOf(alice).String())
	check.Equal(t, "400", l.BalanceOf(bob).String())

	err := l.Transfer(alice, bob, amt(601))
	check.True(t, errors.Is(err, ErrInsufficientBalance))
}

func TestLedger_TransferFrom(t *testing.T) {
	l := NewLedger("USDC", 6)
	l.Mint(alice, amt(1000))
	l.Approve(alice, bob, amt(500))

	// spending within the allowance decrements it
	check.NoError(t, l.TransferFrom(bob, alice, carol, amt(300)))
	check.Equal(t, "200", l.Allowance(alice, bob).String())
	check.Equal(t, "300", l.BalanceOf(carol).String())

	// exceeding the remaining allowance reverts
	err := l.TransferFrom(bob, alice, carol, amt(201))
	check.True(t, errors.Is(err, ErrInsufficientAllowance))

	// owner moving their own funds needs no allowance
	check.NoError(t, l.TransferFrom(alice, alice, bob, amt(100)))
}

func TestLedger_TransferFrom_BalanceCheckBeforeAllowanceBurn(t *testing.T) {
	l := NewLedger("USDC", 6)
	l.Mint(alice, amt(50))
	l.Approve(alice, bob, amt(500))

	// the transfer fails on balance; the allowance must survive intact
	err := l.TransferFrom(bob, alice, carol, amt(100))
	check.True(t, errors.Is(err, ErrInsufficientBalance))
	check.Equal(t, "500", l.Allowance(alice, bob).String())
}

func TestLedger_Permit(t *testing.T) {
	l := NewLedger("USDC", 6)
	l.Mint(alice, amt(1000))

	p := Permit{Owner: alice, Spender: bob, Amount: amt(250), Deadline: 100, Nonce: 1}
	check.NoError(t, l.UsePermit(p, 50))
	check.Equal(t, "250", l.Allowance(alice, bob).String())

	// the same nonce cannot be consumed twice
	err := l.UsePermit(p, 60)
	check.True(t, errors.Is(err, ErrPermitConsumed))

	// an expired permit reverts
	late := Permit{Owner: alice, Spender: bob, Amount: amt(1), Deadline: 100, Nonce: 2}
	err = l.UsePermit(late, 101)
	check.True(t, errors.Is(err, ErrPermitExpired))

	// a zero deadline never expires
	open := Permit{Owner: alice, Spender: bob, Amount: amt(1), Nonce: 3}
	check.NoError(t, l.UsePermit(open, 1<<40))
}

func TestFeeOnTransferToken_SkimsOnEveryMove(t *testing.T) {
	sink := common.HexToAddress("0xf00000000000000000000000000000000000000f")
	f := NewFeeOnTransferToken("FEE", 18, 1000, sink) // 1% skim
	f.Mint(alice, amt(10_000))

	check.NoError(t, f.Transfer(alice, bob, amt(1000)))
	check.Equal(t, "990", f.BalanceOf(bob).String())
	check.Equal(t, "10", f.BalanceOf(sink).String())

	f.Approve(alice, bob, amt(5000))
	check.NoError(t, f.TransferFrom(bob, alice, carol, amt(2000)))
	check.Equal(t, "1980", f.BalanceOf(carol).String())
	check.Equal(t, "30", f.BalanceOf(sink).String())
}
