package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across deployments and chains
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // the delegation manager
}

// LedgerCallEIP712 authorizes one ABI call against the delegation manager on
// behalf of Caller. Nonces must strictly increase per caller.
type LedgerCallEIP712 struct {
	Caller   common.Address
	Value    *big.Int // wei attached (native delegations)
	Data     []byte   // ABI calldata
	Nonce    *big.Int
	Deadline *big.Int // unix seconds, 0 = no expiry
}

// EIP712Signer hashes, signs and verifies ledger calls for one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func DefaultDomain(chainID *big.Int, manager common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "PerpGuard",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: manager,
	}
}

func (e *EIP712Signer) typedData(call *LedgerCallEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"LedgerCall": []apitypes.Type{
				{Name: "caller", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "LedgerCall",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"caller":   call.Caller.Hex(),
			"value":    bigString(call.Value),
			"data":     hexutil.Encode(call.Data),
			"nonce":    bigString(call.Nonce),
			"deadline": bigString(call.Deadline),
		},
	}
}

// HashLedgerCall returns keccak256("\x19\x01" || domainSeparator || structHash)
func (e *EIP712Signer) HashLedgerCall(call *LedgerCallEIP712) ([]byte, error) {
	typedData := e.typedData(call)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256(rawData), nil
}

func (e *EIP712Signer) SignLedgerCall(signer *Signer, call *LedgerCallEIP712) ([]byte, error) {
	hash, err := e.HashLedgerCall(call)
	if err != nil {
		return nil, fmt.Errorf("failed to hash ledger call: %w", err)
	}
	return signer.Sign(hash)
}

// VerifyLedgerCall reports whether signature was produced by call.Caller
func (e *EIP712Signer) VerifyLedgerCall(call *LedgerCallEIP712, signature []byte) (bool, error) {
	hash, err := e.HashLedgerCall(call)
	if err != nil {
		return false, fmt.Errorf("failed to hash ledger call: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == call.Caller, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
