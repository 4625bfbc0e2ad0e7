package store

import "errors"

type ErrNotFound struct {
}

func (e *ErrNotFound) Error() string {
	return "not found"
}

func IsNotFound(err error) bool {
	var notFound *ErrNotFound
	return errors.As(err, &notFound)
}

// ErrConflict indicates a conditional write lost to a concurrent writer,
// or a create hit an already-existing document.
type ErrConflict struct {
}

func (e *ErrConflict) Error() string {
	return "conflict"
}

func IsConflict(err error) bool {
	var conflict *ErrConflict
	return errors.As(err, &conflict)
}

// ErrTransient wraps a store failure that is safe to retry, such as a
// network or availability error. Anything not marked transient is
// permanent from the caller's perspective.
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var transient *ErrTransient
	return errors.As(err, &transient)
}
