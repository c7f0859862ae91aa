package threshold

import (
	"testing"

	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		owners int
		want   int
	}{
		{owners: 1, want: 1},
		{owners: 2, want: 2},
		{owners: 3, want: 2},
		{owners: 4, want: 2},
		{owners: 5, want: 3},
		{owners: 6, want: 3},
		{owners: 7, want: 4},
		{owners: 8, want: 4},
		{owners: 9, want: 5},
		{owners: 20, want: 5},
	}

	for _, tt := range tests {
		got, err := Calculate(tt.owners)
		require.NoError(t, err, "owners=%d", tt.owners)
		assert.Equal(t, tt.want, got, "owners=%d", tt.owners)
	}
}

func TestCalculateCapHoldsForLargeSets(t *testing.T) {
	for n := 9; n <= 200; n++ {
		got, err := Calculate(n)
		require.NoError(t, err)
		assert.Equal(t, MaxThreshold, got, "owners=%d", n)
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		_, err := Calculate(n)
		assert.ErrorIs(t, err, failure.ErrInvalidInput, "owners=%d", n)
		assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Solo founder", Describe(1, 1))
	assert.Equal(t, "2 of 3 signatures required", Describe(3, 2))
	assert.Equal(t, "2 of 2 signatures required", Describe(2, 2))
	assert.Equal(t, "5 of 20 signatures required", Describe(20, 5))
}
