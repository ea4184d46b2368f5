/*
flags.go - Review flags as a closed tagged-variant type

PURPOSE:
  A review flag is a machine-readable reason an invoice needs human
  confirmation. The set of kinds is closed so the review queue can group
  and handle every kind exhaustively instead of dispatching on free-form
  strings.

ORDERING:
  Flags are emitted in a fixed kind order so recomputing an unchanged
  invoice yields a byte-identical flag list.
*/
package billing

import "github.com/brightpath/tuition-engine/ledger"

// FlagKind enumerates every reason an invoice can need review.
type FlagKind string

const (
	FlagPaymentMismatch    FlagKind = "payment_mismatch"
	FlagSpecialDiscount    FlagKind = "special_discount"
	FlagReferralBonus      FlagKind = "referral_bonus"
	FlagRateOverride       FlagKind = "rate_override"
	FlagSiblingDiscountNew FlagKind = "sibling_discount_new"
	FlagLowTotal           FlagKind = "low_total"
	FlagOverpayment        FlagKind = "overpayment"
	FlagDataIntegrity      FlagKind = "data_integrity"
)

// flagOrder fixes the emission order of flags on an invoice.
var flagOrder = []FlagKind{
	FlagDataIntegrity,
	FlagPaymentMismatch,
	FlagSpecialDiscount,
	FlagReferralBonus,
	FlagRateOverride,
	FlagSiblingDiscountNew,
	FlagLowTotal,
	FlagOverpayment,
}

var flagLabels = map[FlagKind]string{
	FlagPaymentMismatch:    "Recorded payment diverges from calculated total",
	FlagSpecialDiscount:    "Special discount applied",
	FlagReferralBonus:      "Referral bonus applied",
	FlagRateOverride:       "Per-enrollment rate override in effect",
	FlagSiblingDiscountNew: "Sibling discount newly applies",
	FlagLowTotal:           "Total anomalously low relative to base",
	FlagOverpayment:        "Payment exceeds outstanding balance",
	FlagDataIntegrity:      "Enrollment references missing class data",
}

// FlagDetails carries the typed payload for a flag. Only the fields relevant
// to the kind are set.
type FlagDetails struct {
	Expected     *ledger.Money `json:"expected,omitempty"`
	Actual       *ledger.Money `json:"actual,omitempty"`
	SourceID     string        `json:"source_id,omitempty"`
	EnrollmentID string        `json:"enrollment_id,omitempty"`
	ClassID      string        `json:"class_id,omitempty"`
}

// ReviewFlag is one reason an invoice needs confirmation.
type ReviewFlag struct {
	Kind    FlagKind    `json:"kind"`
	Label   string      `json:"label"`
	Details FlagDetails `json:"details,omitempty"`
}

// NewFlag builds a flag with its canonical label.
func NewFlag(kind FlagKind, details FlagDetails) ReviewFlag {
	return ReviewFlag{Kind: kind, Label: flagLabels[kind], Details: details}
}

// sortFlags orders flags by the fixed kind order, keeping the relative order
// of flags sharing a kind (e.g. several data_integrity flags).
func sortFlags(flags []ReviewFlag) []ReviewFlag {
	if len(flags) < 2 {
		return flags
	}
	sorted := make([]ReviewFlag, 0, len(flags))
	for _, kind := range flagOrder {
		for _, f := range flags {
			if f.Kind == kind {
				sorted = append(sorted, f)
			}
		}
	}
	return sorted
}
