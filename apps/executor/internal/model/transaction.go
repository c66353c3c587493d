package model

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Transaction is the opaque payload produced by the transaction builder.
type Transaction struct {
	Raw      hexutil.Bytes       `json:"raw"`
	Type     string              `json:"type,omitempty"`
	Value    decimal.NullDecimal `json:"value"`
	Fees     decimal.NullDecimal `json:"fees"`
	Metadata map[string]string   `json:"metadata,omitempty"`
}

// Hash is the keccak256 hash of the raw payload, the same value the ledger
// reports for a signed transaction.
func (t *Transaction) Hash() string {
	return crypto.Keccak256Hash(t.Raw).Hex()
}
