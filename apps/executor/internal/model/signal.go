package model

import (
	"github.com/shopspring/decimal"
)

const DefaultTransactionType = "swap"

// Signal is a trading instruction produced by the strategy layer. Only its
// shape is checked here; economic judgement belongs upstream.
type Signal struct {
	Action          string              `json:"action" validate:"required"`
	Market          string              `json:"market" validate:"required"`
	Size            decimal.Decimal     `json:"size"`
	Price           decimal.NullDecimal `json:"price"`
	Confidence      float64             `json:"confidence,omitempty"`
	TransactionType string              `json:"transaction_type,omitempty"`
	Method          string              `json:"method,omitempty"`
	Priority        Priority            `json:"priority,omitempty"`
	IdempotencyKey  string              `json:"idempotency_key,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

func (s Signal) Type() string {
	if s.TransactionType == "" {
		return DefaultTransactionType
	}
	return s.TransactionType
}

func (s Signal) Clone() Signal {
	c := s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
