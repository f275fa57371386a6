package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDataShape         = errors.New("data shape error")
	ErrDegenerateInput   = errors.New("degenerate input")
	ErrEstimationFailure = errors.New("estimation failure")
	ErrConfiguration     = errors.New("configuration error")
)

// Error carries the offending region and/or risk class alongside the error
// kind. Region and RiskClass are empty when not applicable.
type Error struct {
	Kind      error
	Region    string
	RiskClass string
	Msg       string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if e.Region != "" {
		parts = append(parts, "region "+e.Region)
	}
	if e.RiskClass != "" {
		parts = append(parts, "risk class "+e.RiskClass)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if len(parts) == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), strings.Join(parts, ": "))
}

func (e *Error) Unwrap() error { return e.Kind }

func DataShapef(format string, args ...any) error {
	return &Error{Kind: ErrDataShape, Msg: fmt.Sprintf(format, args...)}
}

func ConfigErrorf(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

func DegenerateRegion(region, format string, args ...any) error {
	return &Error{Kind: ErrDegenerateInput, Region: region, Msg: fmt.Sprintf(format, args...)}
}

func DegenerateRiskClass(class, format string, args ...any) error {
	return &Error{Kind: ErrDegenerateInput, RiskClass: class, Msg: fmt.Sprintf(format, args...)}
}

func EstimationFailed(region, format string, args ...any) error {
	return &Error{Kind: ErrEstimationFailure, Region: region, Msg: fmt.Sprintf(format, args...)}
}

// RegionOf returns the region attached to err, if any.
func RegionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Region
	}
	return ""
}
