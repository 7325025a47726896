package service

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newReferenceNumber builds the unique reference quoted by the payer,
// e.g. PAY-20300601-3F9A0C12D4.
func newReferenceNumber(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("PAY-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(id[:5])))
}

// newPaymentCode builds the short code shown to the payer, e.g. K7QD-M2XA.
func newPaymentCode() string {
	id := uuid.New()
	code := codeEncoding.EncodeToString(id[:5])
	return code[:4] + "-" + code[4:]
}

func sameReference(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
