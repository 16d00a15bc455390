package domain

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CustodyAccount derives the account holding one deal's funds:
// keccak256(escrow || uint64be(dealID))[12:].
//
// Every balance-delta check during funding and settlement is measured on this
// account, so concurrent work on other deals never shows up in the delta.
func CustodyAccount(escrow common.Address, dealID uint64) common.Address {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], dealID)
	h := crypto.Keccak256(escrow.Bytes(), id[:])
	return common.BytesToAddress(h[12:])
}
