package enzyme

import (
	"errors"
	"fmt"
)

// #region record

// Reaction lists the substrates and products of one catalysed reaction, in source order.
type Reaction struct {
	Substrates []string
	Products   []string
}

// Mutation is a known engineering result for the enzyme.
type Mutation struct {
	Notation string
	Effect   string
}

// Record is a fully typed enzyme entry. Records are built once by Validate and
// never modified afterwards.
type Record struct {
	Name               string
	ECNumber           string
	Sequence           string
	GeneralInformation string
	Reactions          []Reaction
	MetalIons          []string
	Mutations          []Mutation
	BaselineStability  float64
}

// #endregion record

// #region defaults

const (
	DefaultName               = "Unknown"
	DefaultECNumber           = "Unknown"
	DefaultGeneralInformation = "No additional information available"
)

// #endregion defaults

// #region reject-error

// RejectError explains why a raw record could not become a Record.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("malformed record: %s: %s", e.Field, e.Reason)
}

// IsReject reports whether err is (or wraps) a RejectError.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// #endregion reject-error
