package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/creditscore/internal/api"
)

func sampleApplicant() map[string]any {
	return map[string]any{
		"limit_bal": 50000.0,
		"sex":       2.0,
		"education": 2.0,
		"marriage":  1.0,
		"age":       35.0,
		"pay_0":     0.0, "pay_2": 0.0, "pay_3": 0.0, "pay_4": 0.0, "pay_5": 0.0, "pay_6": 0.0,
		"bill_amt1": 20000.0, "bill_amt2": 18000.0, "bill_amt3": 15000.0,
		"bill_amt4": 12000.0, "bill_amt5": 10000.0, "bill_amt6": 8000.0,
		"pay_amt1": 2000.0, "pay_amt2": 2000.0, "pay_amt3": 1500.0,
		"pay_amt4": 1500.0, "pay_amt5": 1000.0, "pay_amt6": 1000.0,
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(DefaultSchema())
	require.NoError(t, err)
	return b
}

// TestBuildDerivedFeatures checks the aggregate features on a known applicant.
func TestBuildDerivedFeatures(t *testing.T) {
	b := newTestBuilder(t)

	vec, err := b.Build(sampleApplicant())
	require.NoError(t, err)
	require.Len(t, vec.Values, 28)

	get := func(name string) float64 {
		v, ok := vec.Value(name)
		require.True(t, ok, name)
		return v
	}

	assert.Equal(t, 0.0, get(AvgPayDelay))
	assert.InDelta(t, 13833.33, get(AvgBillAmt), 0.01)
	assert.Equal(t, 1500.0, get(AvgPayAmt))
	assert.InDelta(t, 0.1084, get(PayRatio), 0.0001)
	assert.InDelta(t, 10.8198, get(LimitBalLog), 0.0001)
	assert.Equal(t, 50000.0, get(LimitBal))
	assert.Equal(t, 35.0, get(Age))
}

func TestBuildFollowsSchemaOrder(t *testing.T) {
	schema := DefaultSchema()
	// reverse it; any permutation of the known names is acceptable
	for i, j := 0, len(schema)-1; i < j; i, j = i+1, j-1 {
		schema[i], schema[j] = schema[j], schema[i]
	}
	b, err := NewBuilder(schema)
	require.NoError(t, err)

	vec, err := b.Build(sampleApplicant())
	require.NoError(t, err)
	assert.Equal(t, schema, vec.Names)
	assert.Equal(t, LimitBalLog, vec.Names[0])
	assert.InDelta(t, math.Log(50001), vec.Values[0], 1e-12)
	assert.Equal(t, 50000.0, vec.Values[len(vec.Values)-1])
}

func TestBuildCoercesLooseTypes(t *testing.T) {
	b := newTestBuilder(t)
	raw := sampleApplicant()
	raw["limit_bal"] = "50000"
	raw["age"] = json.Number("35")
	raw["sex"] = 2
	raw["pay_0"] = int64(1)
	raw["marriage"] = 1.9 // integer codes are truncated

	vec, err := b.Build(raw)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, vec.Applicant.LimitBal)
	assert.Equal(t, 35, vec.Applicant.Age)
	assert.Equal(t, 1, vec.Applicant.Pay0)
	assert.Equal(t, 1, vec.Applicant.Marriage)

	delay, _ := vec.Value(AvgPayDelay)
	assert.InDelta(t, 1.0/6, delay, 1e-12)
}

func TestBuildNormalizesCategories(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		education, marriage         int
		wantEducation, wantMarriage int
	}{
		{0, 0, 4, 3},
		{5, 1, 4, 1},
		{6, 2, 4, 2},
		{1, 3, 1, 3},
		{4, 0, 4, 3},
	}
	for _, tt := range tests {
		raw := sampleApplicant()
		raw["education"] = tt.education
		raw["marriage"] = tt.marriage

		vec, err := b.Build(raw)
		require.NoError(t, err)
		edu, _ := vec.Value(Education)
		mar, _ := vec.Value(Marriage)
		assert.Equal(t, float64(tt.wantEducation), edu)
		assert.Equal(t, float64(tt.wantMarriage), mar)
	}
}

func TestBuildRejectsInvalidFields(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		name  string
		field string
		value any
		drop  bool
	}{
		{name: "missing", field: "pay_amt3", drop: true},
		{name: "null", field: "bill_amt1", value: nil},
		{name: "non numeric string", field: "age", value: "thirty"},
		{name: "bool", field: "sex", value: true},
		{name: "nan", field: "limit_bal", value: math.NaN()},
		{name: "inf", field: "bill_amt2", value: math.Inf(1)},
		{name: "zero limit", field: "limit_bal", value: 0.0},
		{name: "too young", field: "age", value: 12},
		{name: "bad sex code", field: "sex", value: 3},
		{name: "pay status range", field: "pay_4", value: 12},
		{name: "negative payment", field: "pay_amt6", value: -5.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := sampleApplicant()
			if tt.drop {
				delete(raw, tt.field)
			} else {
				raw[tt.field] = tt.value
			}

			_, err := b.Build(raw)
			require.Error(t, err)
			var verr *api.ValidationError
			require.True(t, errors.As(err, &verr), "got %T", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestBuildAcceptsNegativeBills(t *testing.T) {
	b := newTestBuilder(t)
	raw := sampleApplicant()
	raw["bill_amt1"] = -3000.0

	_, err := b.Build(raw)
	assert.NoError(t, err)
}

func TestBuildRejectsNonFiniteFeatures(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		name  string
		bills float64
		paid  float64
		patch map[string]any
		field string
	}{
		// mean bill of -1 zeroes the ratio's denominator
		{name: "ratio nan", bills: -1, paid: 0, field: PayRatio},
		{name: "ratio inf", bills: -1, paid: 1000, field: PayRatio},
		{name: "infinite bill", bills: 100, paid: 0, patch: map[string]any{"bill_amt1": "Inf"}, field: "BILL_AMT1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := sampleApplicant()
			for i := 1; i <= 6; i++ {
				raw[fmt.Sprintf("bill_amt%d", i)] = tt.bills
				raw[fmt.Sprintf("pay_amt%d", i)] = tt.paid
			}
			for k, v := range tt.patch {
				raw[k] = v
			}

			vec, err := b.Build(raw)
			assert.Nil(t, vec)
			var verr *api.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Contains(t, verr.Reason, "not finite")
		})
	}
}

func TestNewBuilderRejectsBadSchema(t *testing.T) {
	tests := map[string][]string{
		"short":     DefaultSchema()[:27],
		"unknown":   append(DefaultSchema()[:27], "CREDIT_SCORE"),
		"duplicate": append(DefaultSchema()[:27], LimitBal),
	}
	for name, schema := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewBuilder(schema)
			var serr *api.SchemaMismatchError
			assert.True(t, errors.As(err, &serr), "got %v", err)
		})
	}
}

func TestSameSchema(t *testing.T) {
	a := DefaultSchema()
	assert.NoError(t, SameSchema(a, DefaultSchema()))

	b := DefaultSchema()
	b[0], b[1] = b[1], b[0]
	assert.Error(t, SameSchema(a, b))
	assert.Error(t, SameSchema(a, a[:10]))
}
