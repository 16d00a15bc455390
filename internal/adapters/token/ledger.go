package token

// ledger.go: in-process fungible asset ledger.
//
// Balances and allowances follow ERC-20 semantics: Approve overwrites,
// TransferFrom consumes allowance, and every failing call leaves state as it
// was. One Ledger per asset; Registry maps symbols to ledgers.

import (
	"fmt"
	"sync"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger implements ports.Token.
type Ledger struct {
	asset    domain.Asset
	decimals uint8

	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// NewLedger creates an empty ledger for asset.
func NewLedger(asset domain.Asset, decimals uint8) *Ledger {
	return &Ledger{
		asset:      asset,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Asset() domain.Asset { return l.asset }
func (l *Ledger) Decimals() uint8     { return l.decimals }

// Mint credits amount to account. Used to seed balances.
func (l *Ledger) Mint(account common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return fmt.Errorf("token.Mint %s: supply overflow", l.asset)
	}
	l.supply = supply
	l.balances[account] = new(uint256.Int).Add(l.balanceLocked(account), amount)
	return nil
}

// TotalSupply returns the minted amount.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.supply)
}

// BalanceOf returns a copy of the account balance.
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balanceLocked(account))
}

// Allowance returns a copy of the remaining allowance.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Transfer moves amount from -> to.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		delete(l.allowances, allowanceKey{owner, spender})
		return nil
	}
	l.allowances[allowanceKey{owner, spender}] = new(uint256.Int).Set(amount)
	return nil
}

// TransferFrom moves amount from -> to, consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{from, spender}
	allowed, ok := l.allowances[key]
	if !ok {
		allowed = new(uint256.Int)
	}
	if allowed.Lt(amount) {
		return domain.NewError(domain.CodeInsufficientAllow, "allowance below transfer amount",
			"asset", string(l.asset),
			"owner", from.Hex(),
			"spender", spender.Hex(),
			"allowance", allowed.Dec(),
			"amount", amount.Dec(),
		)
	}
	if err := l.transferLocked(from, to, amount); err != nil {
		return err
	}

	remaining := new(uint256.Int).Sub(allowed, amount)
	if remaining.IsZero() {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = remaining
	}
	return nil
}

func (l *Ledger) transferLocked(from, to common.Address, amount *uint256.Int) error {
	bal := l.balanceLocked(from)
	if bal.Lt(amount) {
		return domain.NewError(domain.CodeInsufficientBalance, "balance below transfer amount",
			"asset", string(l.asset),
			"account", from.Hex(),
			"balance", bal.Dec(),
			"amount", amount.Dec(),
		)
	}
	if from == to || amount.IsZero() {
		return nil
	}
	l.balances[from] = new(uint256.Int).Sub(bal, amount)
	l.balances[to] = new(uint256.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *Ledger) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}
