package model

import (
	"errors"
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{-20, 0},
		{0, 0},
		{45, 45},
		{100, 100},
		{150, 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampPercent(tt.in), "ClampPercent(%d)", tt.in)
	}
}

func TestEstimateKind(t *testing.T) {
	t.Parallel()

	assert.True(t, EstimateRevenue.Valid())
	assert.True(t, EstimateMaterials.Valid())
	assert.False(t, EstimateKind("labor").Valid())

	assert.True(t, EstimateCost.CountsAsCost())
	assert.True(t, EstimateMaterials.CountsAsCost())
	assert.False(t, EstimateRevenue.CountsAsCost())
	assert.False(t, EstimateHours.CountsAsCost())
}

func TestDocStatusCountsAsActual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status DocStatus
		want   bool
	}{
		{DocStatusDraft, false},
		{DocStatusAuthorised, true},
		{DocStatusPaid, true},
		{DocStatusVoided, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.CountsAsActual())
			assert.True(t, tt.status.Valid())
		})
	}
}

func TestMargin(t *testing.T) {
	t.Parallel()

	assert.True(t, Margin(decimal.NewFromInt(5000), decimal.NewFromInt(10000)).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, Margin(decimal.NewFromInt(-100), decimal.Zero).IsZero())
	assert.Equal(t, "50", MarginPercent(decimal.RequireFromString("0.5")).String())
}

func TestCents(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1234.56", FromCents(123456).StringFixed(2))

	tests := []struct {
		name    string
		amount  string
		want    int64
		wantErr bool
	}{
		{name: "half rounds away from zero", amount: "1234.565", want: 123457},
		{name: "negative", amount: "-0.5", want: -50},
		{name: "whole", amount: "42", want: 4200},
		{name: "largest", amount: "92233720368547758.07", want: math.MaxInt64},
		{name: "one cent past largest", amount: "92233720368547758.08", wantErr: true},
		{name: "far past int64", amount: "200000000000000000", wantErr: true},
		{name: "negative past int64", amount: "-200000000000000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := decimal.RequireFromString(tt.amount)
			got, err := ToCents(d)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				assert.False(t, CentsInRange(d))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, CentsInRange(d))
		})
	}
}

func TestEstimateKeyPhaseKey(t *testing.T) {
	t.Parallel()

	phase := "framing"
	assert.Equal(t, "", EstimateKey{ProjectID: "p1", Kind: EstimateCost}.PhaseKey())
	assert.Equal(t, "framing", EstimateKey{ProjectID: "p1", PhaseID: &phase, Kind: EstimateCost}.PhaseKey())
}

func TestErrorHelpers_SurviveWrapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("amount", "must be positive"), IsValidation},
		{"not found", NewNotFoundError("estimate", "e1"), IsNotFound},
		{"duplicate", &DuplicateKeyError{Key: "p1//cost"}, IsDuplicateKey},
		{"persistence", &PersistenceError{Op: "insert", Err: errors.New("boom")}, IsPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wrapped := eris.Wrap(tt.err, "outer")
			assert.True(t, tt.check(wrapped))
		})
	}

	assert.False(t, IsNotFound(errors.New("plain")))
	assert.Equal(t, "validation: amount must be positive", NewValidationError("amount", "must be positive").Error())
	assert.Equal(t, "estimate not found: e1", NewNotFoundError("estimate", "e1").Error())
}
