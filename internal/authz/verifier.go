// Package authz verifies that both parties of a deal endorsed a settlement,
// so any relayer can submit it on their behalf.
//
// The signed message is EIP-712 typed data:
//
//	SettlementAuthorization(uint256 dealId,bytes32 termsCommitment)
//
// under the domain {name, version, chainId, verifyingContract}. Binding the
// terms commitment into the digest makes signatures over stale terms useless.
package authz

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DomainName    = "RestlessEscrow"
	DomainVersion = "1"

	signatureLength = 65
)

// EIP-712 type hashes (computed once).
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	settlementTypeHash = crypto.Keccak256Hash([]byte(
		"SettlementAuthorization(uint256 dealId,bytes32 termsCommitment)",
	))
)

var settlementArgs abi.Arguments

func init() {
	bytes32Ty, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic("authz: bytes32 abi type: " + err.Error())
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic("authz: uint256 abi type: " + err.Error())
	}
	settlementArgs = abi.Arguments{{Type: bytes32Ty}, {Type: uint256Ty}, {Type: bytes32Ty}}
}

// DualSignature carries both parties' 65-byte [R || S || V] signatures.
type DualSignature struct {
	Depositor    []byte
	Counterparty []byte
}

// Verifier checks dual authorizations for one escrow deployment.
type Verifier struct {
	domainSeparator common.Hash
}

// NewVerifier binds signatures to chainID and the escrow identity.
func NewVerifier(chainID int64, verifyingContract common.Address) *Verifier {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(DomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(DomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(verifyingContract.Bytes(), 32)...)
	return &Verifier{domainSeparator: crypto.Keccak256Hash(buf)}
}

// DomainSeparator returns the EIP-712 domain hash.
func (v *Verifier) DomainSeparator() common.Hash { return v.domainSeparator }

// Digest is the hash both parties sign for (dealID, commitment).
func (v *Verifier) Digest(dealID uint64, commitment common.Hash) (common.Hash, error) {
	structBody, err := settlementArgs.Pack(
		[32]byte(settlementTypeHash),
		new(big.Int).SetUint64(dealID),
		[32]byte(commitment),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("authz.Digest: pack struct: %w", err)
	}
	structHash := crypto.Keccak256Hash(structBody)

	var raw []byte
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, v.domainSeparator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}

// Sign produces a party's signature for (dealID, commitment), V in {27, 28}.
func (v *Verifier) Sign(key *ecdsa.PrivateKey, dealID uint64, commitment common.Hash) ([]byte, error) {
	digest, err := v.Digest(dealID, commitment)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("authz.Sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), signatureLength)
	}
	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks both signatures against the deal's recorded parties and
// terms commitment. The depositor is checked first; each failure names the
// party whose signature must be requested again.
func (v *Verifier) Verify(deal domain.Deal, sigs DualSignature) error {
	digest, err := v.Digest(deal.ID, deal.TermsCommitment)
	if err != nil {
		return err
	}

	if err := checkParty(digest, sigs.Depositor, deal.Depositor); err != nil {
		return domain.NewError(domain.CodeInvalidDepositorSignature, "depositor signature does not match",
			"deal", fmt.Sprint(deal.ID),
			"expected", deal.Depositor.Hex(),
		).Wrap(err)
	}
	if err := checkParty(digest, sigs.Counterparty, deal.Counterparty); err != nil {
		return domain.NewError(domain.CodeInvalidCounterpartySignature, "counterparty signature does not match",
			"deal", fmt.Sprint(deal.ID),
			"expected", deal.Counterparty.Hex(),
		).Wrap(err)
	}
	return nil
}

func checkParty(digest common.Hash, sig []byte, want common.Address) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("recovered %s", got.Hex())
	}
	return nil
}
