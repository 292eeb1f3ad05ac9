package process

import (
	"errors"
	"fmt"

	"github.com/tendant/sad-worker/pkg/schema"
)

// Kind classifies a failure so the consumer loop can decide between
// acknowledging and rejecting a message.
type Kind string

const (
	KindDecode          Kind = "decode_error"
	KindUnknownJob      Kind = "unknown_job"
	KindEnrichmentMiss  Kind = "enrichment_miss"
	KindUnavailable     Kind = "collaborator_unavailable"
	KindCorruptState    Kind = "corrupt_cache_state"
	KindInvalidArgument Kind = "invalid_argument"
)

// Error is a classified failure. Op names the failing operation and Subject
// the job, key, or title it concerned.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += fmt.Sprintf(" (%s)", e.Subject)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, subject string, err error) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func Decode(err error) error { return newError(KindDecode, "decode message", "", err) }

func UnknownJob(name string) error {
	return newError(KindUnknownJob, "resolve job", name, errors.New("no handler registered"))
}

func EnrichmentMiss(title string, year int) error {
	return newError(KindEnrichmentMiss, "enrich", fmt.Sprintf("%s (%d)", title, year), errors.New("no candidates"))
}

func Unavailable(op string, err error) error { return newError(KindUnavailable, op, "", err) }

func CorruptState(key string, err error) error {
	return newError(KindCorruptState, "load cache state", key, err)
}

func InvalidArgument(op string, err error) error { return newError(KindInvalidArgument, op, "", err) }

// KindOf returns the kind of err. Unclassified errors count as unavailable
// collaborators, which leaves the retry to transport redelivery.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether redelivering the message can succeed later.
func Retryable(kind Kind) bool {
	switch kind {
	case KindDecode, KindInvalidArgument:
		return false
	default:
		return true
	}
}

// FailureType maps a kind onto the wire failure type.
func FailureType(kind Kind) schema.FailureType {
	if kind == "" {
		return ""
	}
	if Retryable(kind) {
		return schema.FailureTypeRetryable
	}
	return schema.FailureTypePermanent
}
