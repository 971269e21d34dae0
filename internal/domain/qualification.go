package domain

import "fmt"

// TriState is a qualification slot: unset until the dialog establishes a
// value, then fixed for the remainder of the call.
type TriState int

const (
	TriUnset TriState = iota
	TriTrue
	TriFalse
)

func (t TriState) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unset"
	}
}

// MarshalJSON encodes TriTrue/TriFalse as booleans and TriUnset as null.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case TriTrue:
		return []byte("true"), nil
	case TriFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false or null.
func (t *TriState) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*t = TriTrue
	case "false":
		*t = TriFalse
	case "null":
		*t = TriUnset
	default:
		return fmt.Errorf("tristate: %w: %q", ErrInvalidInput, string(b))
	}
	return nil
}

// Qualification field names accepted by the update_qualification tool.
const (
	FieldVerifiedInfo   = "verified_info"
	FieldNoAlzheimers   = "no_alzheimers"
	FieldNoHospice      = "no_hospice"
	FieldAgeQualified   = "age_qualified"
	FieldHasBankAccount = "has_bank_account"
)

// QualificationFields lists the five fields in script order.
var QualificationFields = []string{
	FieldVerifiedInfo,
	FieldNoAlzheimers,
	FieldNoHospice,
	FieldAgeQualified,
	FieldHasBankAccount,
}

// Qualification is the fixed five-field record built up during the call.
// Fields are set monotonically: once a field holds a value it may not be
// cleared or changed within the same call.
type Qualification struct {
	VerifiedInfo   TriState `json:"verified_info"`
	NoAlzheimers   TriState `json:"no_alzheimers"`
	NoHospice      TriState `json:"no_hospice"`
	AgeQualified   TriState `json:"age_qualified"`
	HasBankAccount TriState `json:"has_bank_account"`
}

func (q *Qualification) slot(field string) (*TriState, bool) {
	switch field {
	case FieldVerifiedInfo:
		return &q.VerifiedInfo, true
	case FieldNoAlzheimers:
		return &q.NoAlzheimers, true
	case FieldNoHospice:
		return &q.NoHospice, true
	case FieldAgeQualified:
		return &q.AgeQualified, true
	case FieldHasBankAccount:
		return &q.HasBankAccount, true
	default:
		return nil, false
	}
}

// Get returns the value of the named field.
func (q *Qualification) Get(field string) (TriState, error) {
	s, ok := q.slot(field)
	if !ok {
		return TriUnset, fmt.Errorf("qualification field %q: %w", field, ErrInvalidInput)
	}
	return *s, nil
}

// Set assigns a value to the named field. Setting an already-set field to a
// different value violates monotonicity and returns ErrInvariant; re-setting
// the same value is a no-op.
func (q *Qualification) Set(field string, value bool) error {
	s, ok := q.slot(field)
	if !ok {
		return fmt.Errorf("qualification field %q: %w", field, ErrInvalidInput)
	}
	want := TriFalse
	if value {
		want = TriTrue
	}
	if *s != TriUnset && *s != want {
		return fmt.Errorf("qualification field %q already %s: %w", field, s.String(), ErrInvariant)
	}
	*s = want
	return nil
}

// AllTrue reports whether every field is set true. This is the transfer gate.
func (q *Qualification) AllTrue() bool {
	return q.VerifiedInfo == TriTrue &&
		q.NoAlzheimers == TriTrue &&
		q.NoHospice == TriTrue &&
		q.AgeQualified == TriTrue &&
		q.HasBankAccount == TriTrue
}

// AnyFalse reports whether any field has been established false.
func (q *Qualification) AnyFalse() bool {
	return q.VerifiedInfo == TriFalse ||
		q.NoAlzheimers == TriFalse ||
		q.NoHospice == TriFalse ||
		q.AgeQualified == TriFalse ||
		q.HasBankAccount == TriFalse
}

// NextUnset returns the first field in script order that is still unset,
// or "" when all are set.
func (q *Qualification) NextUnset() string {
	for _, f := range QualificationFields {
		v, _ := q.Get(f)
		if v == TriUnset {
			return f
		}
	}
	return ""
}
