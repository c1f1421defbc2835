package engine

import "errors"

var (
	errTooFewFields  = errors.New("result award needs at least 5 pipe-delimited fields")
	errEmptyLocation = errors.New("result award has empty producer or property")
	errBadOperator   = errors.New("unsupported award operator")
	errBadDelta      = errors.New("award delta is missing, zero, or not numeric")
)
