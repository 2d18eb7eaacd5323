// Package errors wraps pkg/errors and adds error codes, so callers can check
// which class of failure they got back without matching on message text.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() function.
type Code string

const (
	ErrUncoded Code = "Uncoded"

	// ErrTopology means no viable endpoint/partition mapping exists. Fatal
	// at router construction.
	ErrTopology Code = "TopologyError"

	// ErrNoAvailableEndpoint means every ring alternate for a key was
	// exhausted at routing time.
	ErrNoAvailableEndpoint Code = "NoAvailableEndpointError"

	// ErrFormat means a record's sharding key is missing or unparsable.
	ErrFormat Code = "FormatError"

	// ErrFilesystem is returned for promotion copy failures.
	ErrFilesystem Code = "FilesystemError"

	// ErrIndexCorruption is returned by the index engine when a segment or
	// commit point cannot be decoded or fails its checksum.
	ErrIndexCorruption Code = "IndexCorruptionError"

	// ErrStreamIngestion wraps anything that went wrong while producing the
	// next event of an ingestion pipeline.
	ErrStreamIngestion Code = "StreamIngestionError"

	// ErrShard means a shard descriptor violates the generation invariant.
	ErrShard Code = "ShardError"

	// ErrLocked means another writer already holds an index directory.
	ErrLocked Code = "LockedError"

	// ErrNotLeader is returned by replicated registries on followers.
	ErrNotLeader Code = "NotLeaderError"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// WrapCode attaches code to err. The result satisfies both Is(result, code)
// and the standard errors.Is against err's own chain.
func WrapCode(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&wrappedCodedError{
		codedError: codedError{Code: code, Message: message},
		cause:      err,
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrUncoded.
func CodeOf(err error) Code {
	for err != nil {
		switch e := err.(type) {
		case codedError:
			return e.Code
		case *wrappedCodedError:
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

type wrappedCodedError struct {
	codedError
	cause error
}

func (e *wrappedCodedError) Error() string {
	return e.Message + ": " + e.cause.Error()
}

func (e *wrappedCodedError) Unwrap() error {
	return e.cause
}
