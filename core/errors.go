package core

import (
	"errors"
	"fmt"
)

var (
	ErrArity              = errors.New("sqlm: incorrect arguments")
	ErrDuplicateBinding   = errors.New("sqlm: binding already declared")
	ErrNotImplemented     = errors.New("sqlm: query executor not implemented")
	ErrUnknownBinding     = errors.New("sqlm: unknown binding")
	ErrInvalidBindingName = errors.New("sqlm: invalid binding name")
)

// ArityError reports a call made with an unsupported number of arguments.
// Got counts every argument after the context, as the caller supplied them.
type ArityError struct {
	Op  string
	Got int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: %s called with %d argument(s)", ErrArity, e.Op, e.Got)
}

func (e *ArityError) Is(target error) bool {
	return target == ErrArity
}

// DuplicateBindingError is returned when a binding name is declared twice.
type DuplicateBindingError struct {
	Name string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateBinding, e.Name)
}

func (e *DuplicateBindingError) Is(target error) bool {
	return target == ErrDuplicateBinding
}
