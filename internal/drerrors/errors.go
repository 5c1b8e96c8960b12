package drerrors

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an id does not reference a known object.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func ErrNotFound(kind, id string) error {
	return NotFoundError{Kind: kind, ID: id}
}

// ConflictError is returned for duplicate or contradictory registrations.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Reason)
}

func ErrConflict(kind, id, reason string) error {
	return ConflictError{Kind: kind, ID: id, Reason: reason}
}

// InvalidPolicyError is returned when policy parameters break the
// frequency/retention ordering.
type InvalidPolicyError struct {
	Reason string
}

func (e InvalidPolicyError) Error() string {
	return "invalid replication policy: " + e.Reason
}

func ErrInvalidPolicy(format string, args ...interface{}) error {
	return InvalidPolicyError{Reason: fmt.Sprintf(format, args...)}
}

// PolicyInUseError is returned when mutating a policy that active items reference.
type PolicyInUseError struct {
	PolicyID string
	Refs     int
}

func (e PolicyInUseError) Error() string {
	return fmt.Sprintf("policy %s is referenced by %d protected item(s)", e.PolicyID, e.Refs)
}

// InvalidStateError is an illegal protected item state transition.
type InvalidStateError struct {
	ItemID string
	From   string
	To     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("protected item %s: cannot transition from %s to %s", e.ItemID, e.From, e.To)
}

func ErrInvalidState(itemID, from, to string) error {
	return InvalidStateError{ItemID: itemID, From: from, To: to}
}

// NoRecoveryPointError is returned by failover when there is nothing to fail over to.
type NoRecoveryPointError struct {
	ItemID          string
	RecoveryPointID string
}

func (e NoRecoveryPointError) Error() string {
	if e.RecoveryPointID != "" {
		return fmt.Sprintf("protected item %s: recovery point %s not found", e.ItemID, e.RecoveryPointID)
	}
	return fmt.Sprintf("protected item %s has no committed recovery point", e.ItemID)
}

// BusyError is the retriable signal returned when another operation holds
// the item lock.
type BusyError struct {
	ItemID string
}

func (e BusyError) Error() string {
	return fmt.Sprintf("protected item %s is busy, retry later", e.ItemID)
}

// FailoverError carries enough context to retry or escalate a failed failover.
type FailoverError struct {
	ItemID          string
	RecoveryPointID string
	From            string
	To              string
	Err             error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover of %s (%s -> %s) from recovery point %s: %v",
		e.ItemID, e.From, e.To, e.RecoveryPointID, e.Err)
}

func (e *FailoverError) Unwrap() error {
	return e.Err
}

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid input")

func IsNotFound(err error) bool {
	var e NotFoundError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e ConflictError
	return errors.As(err, &e)
}

func IsInvalidPolicy(err error) bool {
	var e InvalidPolicyError
	return errors.As(err, &e)
}

func IsPolicyInUse(err error) bool {
	var e PolicyInUseError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e InvalidStateError
	return errors.As(err, &e)
}

func IsNoRecoveryPoint(err error) bool {
	var e NoRecoveryPointError
	return errors.As(err, &e)
}

func IsBusy(err error) bool {
	var e BusyError
	return errors.As(err, &e)
}

func IsFailover(err error) bool {
	var e *FailoverError
	return errors.As(err, &e)
}
