// Package threshold maps a founder count to the Safe signature threshold.
package threshold

import (
	"fmt"

	"github.com/compose-network/company-registrar/internal/registrar/failure"
)

// MaxThreshold bounds the coordination cost for large founder sets.
const MaxThreshold = 5

// Calculate returns the number of founder signatures a treasury requires.
// A solo founder signs alone, two founders must both sign, and larger groups
// need a majority capped at MaxThreshold.
func Calculate(ownerCount int) (int, error) {
	switch {
	case ownerCount <= 0:
		return 0, failure.New(failure.CodeInvalidInput, failure.KindValidation, "owner count must be positive, got %d", ownerCount)
	case ownerCount == 1:
		return 1, nil
	case ownerCount == 2:
		return 2, nil
	}

	majority := (ownerCount + 1) / 2
	return min(majority, MaxThreshold), nil
}

// Describe renders the threshold for people.
func Describe(ownerCount, threshold int) string {
	if ownerCount == 1 && threshold == 1 {
		return "Solo founder"
	}
	return fmt.Sprintf("%d of %d signatures required", threshold, ownerCount)
}
