package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"strings"

	"github.com/onsip/sipcore/internal/util"
)

// Error is a constant string error. Declaring sentinels as Error keeps
// them immutable, unlike errors.New variables.
type Error string

func (s Error) Error() string { return string(s) }

func Errorf(format string, args ...any) error {
	return Error(fmt.Sprintf(format, args...)) //errtrace:skip
}

// ErrInvalidArgument reports a bad argument passed to a constructor or
// an operation.
const ErrInvalidArgument Error = "invalid argument"

// NewInvalidArgumentError wraps args with [ErrInvalidArgument], see
// [NewWrapperError] for the accepted argument forms.
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// NewWrapperError attaches detail to a sentinel error. The variadic
// tail selects the form: empty returns the sentinel itself, a single
// error is wrapped unless it already carries the sentinel, a string
// with optional arguments is formatted and appended as the message.
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}

	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		msg := v
		if len(args) > 1 {
			msg = fmt.Sprintf(v, args[1:]...)
		}
		return fmt.Errorf("%w: %s", sentinel, msg) //errtrace:skip
	default:
		return sentinel //errtrace:skip
	}
}

// Join combines errors into one. Unlike errors.Join the combined error
// renders as an indented list, nesting joined groups.
func Join(errs ...error) error {
	return JoinPrefix("", errs...) //errtrace:skip
}

// JoinPrefix combines errors under a heading line.
func JoinPrefix(prefix string, errs ...error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		if prefix == "" {
			return errs[0] //errtrace:skip
		}
		return fmt.Errorf("%s: %w", strings.TrimRight(prefix, ":"), errs[0]) //errtrace:skip
	default:
		return &joinError{prefix: prefix, errs: errs} //errtrace:skip
	}
}

type joinError struct {
	prefix string
	errs   []error
}

func (e *joinError) Unwrap() []error { return e.errs }

func (e *joinError) Error() string {
	if len(e.errs) == 0 {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(e.prefix)
	e.render(sb, "")

	return sb.String()
}

// render writes the error list as indented bullet lines, recursing
// into nested joined errors.
func (e *joinError) render(sb *strings.Builder, indent string) {
	for _, err := range e.errs {
		if err == nil {
			continue
		}

		sb.WriteString("\n")
		sb.WriteString(indent)
		sb.WriteString("  - ")

		if nested, ok := err.(*joinError); ok { //nolint:errorlint
			label := nested.prefix
			if label == "" {
				label = "multiple errors"
			}
			sb.WriteString(label)
			nested.render(sb, indent+"  ")
			continue
		}

		msg := err.Error()
		if strings.Contains(msg, "\n") {
			msg = strings.ReplaceAll(msg, "\n", "\n"+indent+"    ")
		}
		sb.WriteString(msg)
	}
}
