// Package token models the ERC20-style collaborator the auction house
// moves value through. The Ledger is a faithful in-memory stand-in:
// balances, allowances and permit vouchers with the exact failure modes
// the router's pre-flight checks depend on.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrPermitExpired         = errors.New("permit expired")
	ErrPermitConsumed        = errors.New("permit already consumed")
)

// ERC20 is the transfer surface the router consumes. Callers are explicit
// (`from`, `spender`) because there is no transaction context to infer
// them from.
type ERC20 interface {
	Symbol() string
	Decimals() uint8
	TotalSupply() *big.Int
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, owner, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int)
	Allowance(owner, spender common.Address) *big.Int
}

// Permit is a voucher granting `Spender` an allowance without a prior
// Approve call. Each (owner, nonce) pair is consumable exactly once.
type Permit struct {
	Owner    common.Address
	Spender  common.Address
	Amount   *big.Int
	Deadline uint64
	Nonce    uint64
}

// Permitter is the optional gasless-approval extension of ERC20.
type Permitter interface {
	UsePermit(p Permit, now uint64) error
}

// Ledger is the in-memory ERC20 implementation.
type Ledger struct {
	symbol   string
	decimals uint8

	mu         sync.Mutex
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	usedNonces map[common.Address]map[uint64]bool
}

func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		usedNonces: make(map[common.Address]map[uint64]bool),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

func (l *Ledger) BalanceOf(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Mint credits freshly issued tokens to `to`. Test and deployment helper;
// the protocol itself never mints.
func (l *Ledger) Mint(to common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
}

func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *Ledger) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bal, ok := l.balances[owner]; !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("%w: %s has %s, needs %s %s", ErrInsufficientBalance,
			owner.Hex(), have, amount, l.symbol)
	}
	if spender != owner {
		allowed := l.allowance(owner, spender)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s allows %s only %s of %s", ErrInsufficientAllowance,
				owner.Hex(), spender.Hex(), allowed, amount)
		}
		allowed.Sub(allowed, amount)
	}
	return l.move(owner, to, amount)
}

func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.allowance(owner, spender))
}

// UsePermit validates the voucher against the current time and the
// owner's nonce history, then installs the allowance it carries.
func (l *Ledger) UsePermit(p Permit, now uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Deadline != 0 && now > p.Deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrPermitExpired, p.Deadline, now)
	}
	if l.usedNonces[p.Owner][p.Nonce] {
		return fmt.Errorf("%w: owner %s nonce %d", ErrPermitConsumed, p.Owner.Hex(), p.Nonce)
	}
	if l.usedNonces[p.Owner] == nil {
		l.usedNonces[p.Owner] = make(map[uint64]bool)
	}
	l.usedNonces[p.Owner][p.Nonce] = true

	if l.allowances[p.Owner] == nil {
		l.allowances[p.Owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[p.Owner][p.Spender] = new(big.Int).Set(p.Amount)
	return nil
}

// move and the helpers below assume l.mu is held.

func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("%w: %s has %s, needs %s %s", ErrInsufficientBalance,
			from.Hex(), have, amount, l.symbol)
	}
	bal.Sub(bal, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(to common.Address, amount *big.Int) {
	if b, ok := l.balances[to]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[to] = new(big.Int).Set(amount)
}

func (l *Ledger) allowance(owner, spender common.Address) *big.Int {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}
