package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fractal-lba/creditscore/internal/api"
)

// Applicant holds the raw attributes of one credit applicant after coercion.
// Field tags carry the wire names of the scoring request.
type Applicant struct {
	LimitBal  float64 `json:"limit_bal" validate:"gt=0"`
	Sex       int     `json:"sex" validate:"oneof=1 2"`
	Education int     `json:"education" validate:"min=0,max=6"`
	Marriage  int     `json:"marriage" validate:"min=0,max=3"`
	Age       int     `json:"age" validate:"min=18,max=120"`

	Pay0 int `json:"pay_0" validate:"min=-2,max=9"`
	Pay2 int `json:"pay_2" validate:"min=-2,max=9"`
	Pay3 int `json:"pay_3" validate:"min=-2,max=9"`
	Pay4 int `json:"pay_4" validate:"min=-2,max=9"`
	Pay5 int `json:"pay_5" validate:"min=-2,max=9"`
	Pay6 int `json:"pay_6" validate:"min=-2,max=9"`

	BillAmt1 float64 `json:"bill_amt1"`
	BillAmt2 float64 `json:"bill_amt2"`
	BillAmt3 float64 `json:"bill_amt3"`
	BillAmt4 float64 `json:"bill_amt4"`
	BillAmt5 float64 `json:"bill_amt5"`
	BillAmt6 float64 `json:"bill_amt6"`

	PayAmt1 float64 `json:"pay_amt1" validate:"min=0"`
	PayAmt2 float64 `json:"pay_amt2" validate:"min=0"`
	PayAmt3 float64 `json:"pay_amt3" validate:"min=0"`
	PayAmt4 float64 `json:"pay_amt4" validate:"min=0"`
	PayAmt5 float64 `json:"pay_amt5" validate:"min=0"`
	PayAmt6 float64 `json:"pay_amt6" validate:"min=0"`
}

// PayStatus returns the six repayment-status codes in column order.
func (a *Applicant) PayStatus() [6]int {
	return [6]int{a.Pay0, a.Pay2, a.Pay3, a.Pay4, a.Pay5, a.Pay6}
}

// BillAmounts returns the six billed amounts in column order.
func (a *Applicant) BillAmounts() [6]float64 {
	return [6]float64{a.BillAmt1, a.BillAmt2, a.BillAmt3, a.BillAmt4, a.BillAmt5, a.BillAmt6}
}

// PayAmounts returns the six paid amounts in column order.
func (a *Applicant) PayAmounts() [6]float64 {
	return [6]float64{a.PayAmt1, a.PayAmt2, a.PayAmt3, a.PayAmt4, a.PayAmt5, a.PayAmt6}
}

// Vector is an ordered feature vector plus the applicant it came from.
type Vector struct {
	Names     []string
	Values    []float64
	Applicant Applicant
}

// Value returns the value of the named feature.
func (v *Vector) Value(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Builder turns raw request fields into vectors ordered by a fixed schema.
// It is immutable and safe for concurrent use.
type Builder struct {
	schema   []string
	validate *validator.Validate
}

// NewBuilder returns a builder producing vectors in schema order.
func NewBuilder(schema []string) (*Builder, error) {
	if err := CheckSchema(schema); err != nil {
		return nil, err
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Builder{
		schema:   append([]string(nil), schema...),
		validate: v,
	}, nil
}

// Schema returns a copy of the builder's feature order.
func (b *Builder) Schema() []string {
	return append([]string(nil), b.schema...)
}

// Build coerces raw fields, validates them and derives the aggregate features.
func (b *Builder) Build(raw map[string]any) (*Vector, error) {
	app, err := b.Parse(raw)
	if err != nil {
		return nil, err
	}
	return b.FromApplicant(app)
}

// Parse coerces and validates raw request fields into an Applicant.
func (b *Builder) Parse(raw map[string]any) (Applicant, error) {
	var app Applicant
	p := parser{raw: raw}

	app.LimitBal = p.float("limit_bal")
	app.Sex = p.int("sex")
	app.Education = p.int("education")
	app.Marriage = p.int("marriage")
	app.Age = p.int("age")

	app.Pay0 = p.int("pay_0")
	app.Pay2 = p.int("pay_2")
	app.Pay3 = p.int("pay_3")
	app.Pay4 = p.int("pay_4")
	app.Pay5 = p.int("pay_5")
	app.Pay6 = p.int("pay_6")

	app.BillAmt1 = p.float("bill_amt1")
	app.BillAmt2 = p.float("bill_amt2")
	app.BillAmt3 = p.float("bill_amt3")
	app.BillAmt4 = p.float("bill_amt4")
	app.BillAmt5 = p.float("bill_amt5")
	app.BillAmt6 = p.float("bill_amt6")

	app.PayAmt1 = p.float("pay_amt1")
	app.PayAmt2 = p.float("pay_amt2")
	app.PayAmt3 = p.float("pay_amt3")
	app.PayAmt4 = p.float("pay_amt4")
	app.PayAmt5 = p.float("pay_amt5")
	app.PayAmt6 = p.float("pay_amt6")

	if p.err != nil {
		return Applicant{}, p.err
	}
	if err := b.check(&app); err != nil {
		return Applicant{}, err
	}
	return app, nil
}

func (b *Builder) check(app *Applicant) error {
	err := b.validate.Struct(app)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return &api.ValidationError{
			Field:  fe.Field(),
			Reason: fmt.Sprintf("value %v violates %s", fe.Value(), reason),
		}
	}
	return &api.ValidationError{Field: "request", Reason: err.Error()}
}

// FromApplicant normalizes category codes and assembles the ordered vector.
// A feature that is NaN or infinite, such as PAY_RATIO when the mean bill is
// exactly -1, fails validation.
func (b *Builder) FromApplicant(app Applicant) (*Vector, error) {
	app.Education, app.Marriage = NormalizeCategories(app.Education, app.Marriage)

	all := Derive(app)
	values := make([]float64, len(b.schema))
	for i, name := range b.schema {
		v, ok := all[name]
		if !ok {
			return nil, &api.SchemaMismatchError{Detail: fmt.Sprintf("builder cannot produce %q", name)}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &api.ValidationError{Field: name, Reason: fmt.Sprintf("derived value %v is not finite", v)}
		}
		values[i] = v
	}
	return &Vector{
		Names:     b.Schema(),
		Values:    values,
		Applicant: app,
	}, nil
}

// NormalizeCategories folds undocumented codes into the "other" bucket the
// same way the training table was cleaned: EDUCATION {0,5,6} -> 4,
// MARRIAGE 0 -> 3.
func NormalizeCategories(education, marriage int) (int, int) {
	switch education {
	case 0, 5, 6:
		education = 4
	}
	if marriage == 0 {
		marriage = 3
	}
	return education, marriage
}

// Derive computes every feature, raw and aggregate, keyed by canonical name.
func Derive(app Applicant) map[string]float64 {
	out := map[string]float64{
		LimitBal:  app.LimitBal,
		Sex:       float64(app.Sex),
		Education: float64(app.Education),
		Marriage:  float64(app.Marriage),
		Age:       float64(app.Age),
	}

	var delay, bill, paid float64
	status, bills, pays := app.PayStatus(), app.BillAmounts(), app.PayAmounts()
	for i := 0; i < 6; i++ {
		out[PayStatusNames[i]] = float64(status[i])
		out[BillAmtNames[i]] = bills[i]
		out[PayAmtNames[i]] = pays[i]
		delay += float64(status[i])
		bill += bills[i]
		paid += pays[i]
	}

	out[AvgPayDelay] = delay / 6
	out[AvgBillAmt] = bill / 6
	out[AvgPayAmt] = paid / 6
	// +1 keeps the ratio finite for zero balances; it is part of the trained
	// feature definition.
	out[PayRatio] = out[AvgPayAmt] / (out[AvgBillAmt] + 1)
	out[LimitBalLog] = math.Log1p(app.LimitBal)
	return out
}

// parser coerces loosely typed request values, remembering the first error.
type parser struct {
	raw map[string]any
	err error
}

func (p *parser) float(key string) float64 {
	if p.err != nil {
		return 0
	}
	v, ok := p.raw[key]
	if !ok || v == nil {
		p.err = &api.ValidationError{Field: key, Reason: "required"}
		return 0
	}
	f, err := toFloat(v)
	if err != nil {
		p.err = &api.ValidationError{Field: key, Reason: err.Error()}
		return 0
	}
	return f
}

func (p *parser) int(key string) int {
	return int(math.Trunc(p.float(key)))
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", x.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	return f, nil
}
