// Extensions to the go-check unittest framework.
//
// NOTE: see https://github.com/go-check/check/pull/6 for reasons why these
// checkers live here.
package gocheck2

import (
	"time"

	. "gopkg.in/check.v1"

	"github.com/poolq/poolq/errors"
)

// -----------------------------------------------------------------------
// IsTrue / IsFalse checker.

type isBoolValueChecker struct {
	*CheckerInfo
	expected bool
}

func (checker *isBoolValueChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	errMsg string) {

	obtained, ok := params[0].(bool)
	if !ok {
		return false, "Argument to " + checker.Name + " must be bool"
	}

	return obtained == checker.expected, ""
}

// The IsTrue checker verifies that the obtained value is true.
//
// For example:
//
//     c.Assert(value, IsTrue)
//
var IsTrue Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"obtained"}},
	true,
}

// The IsFalse checker verifies that the obtained value is false.
//
// For example:
//
//     c.Assert(value, IsFalse)
//
var IsFalse Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"obtained"}},
	false,
}

// -----------------------------------------------------------------------
// ErrorIs checker.

type errorIsChecker struct {
	*CheckerInfo
}

func (checker *errorIsChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	errMsg string) {

	obtained, ok := params[0].(error)
	if !ok && params[0] != nil {
		return false, "Obtained value must be an error"
	}
	target, ok := params[1].(error)
	if !ok {
		return false, "Target must be an error"
	}
	return errors.Is(obtained, target), ""
}

// The ErrorIs checker verifies that the obtained error matches target
// according to errors.Is.
//
// For example:
//
//     c.Assert(err, ErrorIs, resource_pool.ErrPoolClosed)
//
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"obtained", "target"}},
}

// -----------------------------------------------------------------------
// HasKind checker.

type hasKindChecker struct {
	*CheckerInfo
}

func (checker *hasKindChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	errMsg string) {

	obtained, ok := params[0].(error)
	if !ok {
		return false, "Obtained value must be a non-nil error"
	}
	kind, ok := params[1].(errors.Kind)
	if !ok {
		return false, "Expected kind must be an errors.Kind"
	}
	return errors.IsKind(obtained, kind), ""
}

// The HasKind checker verifies that the obtained error is classified with
// the given kind.
//
// For example:
//
//     c.Assert(err, HasKind, errors.KindDialFailure)
//
var HasKind Checker = &hasKindChecker{
	&CheckerInfo{Name: "HasKind", Params: []string{"obtained", "kind"}},
}

// -----------------------------------------------------------------------
// DurationBetween checker.

type durationBetweenChecker struct {
	*CheckerInfo
}

func (checker *durationBetweenChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	errMsg string) {

	obtained, ok1 := params[0].(time.Duration)
	min, ok2 := params[1].(time.Duration)
	max, ok3 := params[2].(time.Duration)
	if !ok1 || !ok2 || !ok3 {
		return false, "Arguments to DurationBetween must be time.Duration"
	}
	return obtained >= min && obtained <= max, ""
}

// The DurationBetween checker verifies that min <= obtained <= max.
//
// For example:
//
//     c.Assert(elapsed, DurationBetween, 50*time.Millisecond, time.Second)
//
var DurationBetween Checker = &durationBetweenChecker{
	&CheckerInfo{
		Name:   "DurationBetween",
		Params: []string{"obtained", "min", "max"},
	},
}
