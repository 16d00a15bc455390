package ports

import (
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is a fungible asset ledger with ERC-20 style allowances.
type Token interface {
	Asset() domain.Asset
	Decimals() uint8
	BalanceOf(account common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int

	// Transfer moves amount from -> to. Fails on insufficient balance.
	Transfer(from, to common.Address, amount *uint256.Int) error

	// Approve sets (not adds) the allowance of spender over owner's balance.
	Approve(owner, spender common.Address, amount *uint256.Int) error

	// TransferFrom moves amount from -> to on behalf of spender, consuming
	// allowance.
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// TokenRegistry resolves assets to their ledgers.
type TokenRegistry interface {
	Token(asset domain.Asset) (Token, error)
}
