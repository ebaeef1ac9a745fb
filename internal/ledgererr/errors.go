// Package ledgererr defines the error taxonomy shared by every subsystem of
// the ledger node: the DHT service, the transaction pool, and the chain
// engine all report failures as a *Error carrying one of these kinds rather
// than panicking or inventing ad-hoc sentinel values.
package ledgererr

import "fmt"

// Kind classifies a failure for callers that need to branch on it (RPC
// status mapping, retry policy, metrics).
type Kind int

const (
	// KindInternal covers lock acquisition failures and other unexpected
	// invariant violations.
	KindInternal Kind = iota
	// KindBadRequest covers malformed key/id length, missing sender, and
	// invalid RPC payloads.
	KindBadRequest
	// KindBadProofOfWork covers a rejected JOIN.
	KindBadProofOfWork
	// KindBadTransaction covers signature, expiry, fee-floor, nonce, and
	// quota failures during pool admission.
	KindBadTransaction
	// KindBadBlock covers link, index, hash, difficulty, timestamp,
	// Merkle, duplicate-tx, and balance failures during validation.
	KindBadBlock
	// KindForkRejected covers depth-exceeded and invalid fork branches.
	KindForkRejected
	// KindTransport covers connect, timeout, and protocol decode errors.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad-request"
	case KindBadProofOfWork:
		return "bad-proof-of-work"
	case KindBadTransaction:
		return "bad-transaction"
	case KindBadBlock:
		return "bad-block"
	case KindForkRejected:
		return "fork-rejected"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind, so callers can both branch on
// the classification and print/unwrap the original cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, walking the chain of
// wrapped errors the way errors.Is does.
func Is(err error, kind Kind) bool {
	for err != nil {
		if le, ok := err.(*Error); ok {
			if le.Kind == kind {
				return true
			}
			err = le.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
