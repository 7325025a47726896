package models

import "github.com/shopspring/decimal"

// ReceiptVerification is what the OCR collaborator extracted from a receipt
type ReceiptVerification struct {
	Success            bool            `json:"success"`
	ExtractedAmount    decimal.Decimal `json:"extractedAmount"`
	ExtractedReference string          `json:"extractedReference"`
	Confidence         float64         `json:"confidence"`
	Issues             []string        `json:"issues,omitempty"`
}
