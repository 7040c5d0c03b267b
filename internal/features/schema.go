package features

import (
	"fmt"

	"github.com/fractal-lba/creditscore/internal/api"
)

// Canonical feature names. Raw attributes keep the column names of the
// reference table; derived aggregates are appended after them.
const (
	LimitBal    = "LIMIT_BAL"
	Sex         = "SEX"
	Education   = "EDUCATION"
	Marriage    = "MARRIAGE"
	Age         = "AGE"
	AvgPayDelay = "AVG_PAY_DELAY"
	AvgBillAmt  = "AVG_BILL_AMT"
	AvgPayAmt   = "AVG_PAY_AMT"
	PayRatio    = "PAY_RATIO"
	LimitBalLog = "LIMIT_BAL_log"
)

// PayStatusNames are the six monthly repayment-status columns. The dataset
// has no PAY_1.
var PayStatusNames = [6]string{"PAY_0", "PAY_2", "PAY_3", "PAY_4", "PAY_5", "PAY_6"}

// BillAmtNames are the six monthly billed-amount columns.
var BillAmtNames = [6]string{"BILL_AMT1", "BILL_AMT2", "BILL_AMT3", "BILL_AMT4", "BILL_AMT5", "BILL_AMT6"}

// PayAmtNames are the six monthly paid-amount columns.
var PayAmtNames = [6]string{"PAY_AMT1", "PAY_AMT2", "PAY_AMT3", "PAY_AMT4", "PAY_AMT5", "PAY_AMT6"}

// DefaultSchema returns the feature order produced by the offline
// feature-engineering step: raw columns in file order, then derived ones.
func DefaultSchema() []string {
	names := []string{LimitBal, Sex, Education, Marriage, Age}
	names = append(names, PayStatusNames[:]...)
	names = append(names, BillAmtNames[:]...)
	names = append(names, PayAmtNames[:]...)
	return append(names, AvgPayDelay, AvgBillAmt, AvgPayAmt, PayRatio, LimitBalLog)
}

// CheckSchema verifies that schema names exactly the features this package
// produces, each once. Order is free; it is dictated by the reference table.
func CheckSchema(schema []string) error {
	known := make(map[string]bool)
	for _, n := range DefaultSchema() {
		known[n] = false
	}
	if len(schema) != len(known) {
		return &api.SchemaMismatchError{
			Detail: fmt.Sprintf("expected %d features, schema has %d", len(known), len(schema)),
		}
	}
	for _, n := range schema {
		seen, ok := known[n]
		if !ok {
			return &api.SchemaMismatchError{Detail: fmt.Sprintf("unknown feature %q", n)}
		}
		if seen {
			return &api.SchemaMismatchError{Detail: fmt.Sprintf("duplicate feature %q", n)}
		}
		known[n] = true
	}
	return nil
}

// SameSchema reports whether a and b list the same names in the same order.
func SameSchema(a, b []string) error {
	if len(a) != len(b) {
		return &api.SchemaMismatchError{
			Detail: fmt.Sprintf("feature count %d != %d", len(a), len(b)),
		}
	}
	for i := range a {
		if a[i] != b[i] {
			return &api.SchemaMismatchError{
				Detail: fmt.Sprintf("feature %d is %q, expected %q", i, b[i], a[i]),
			}
		}
	}
	return nil
}
