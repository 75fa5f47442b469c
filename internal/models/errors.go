package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRequest is returned when neither message nor media is present.
var ErrEmptyRequest = errors.New("request requires a message or at least one media input")

// ValidationError reports a bad or missing required input combination.
// Terminal: surfaced to the caller with detail.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
}

// NormalizationError reports an unreadable, oversized, or unsupported media
// input. Terminal for that input; terminal for the request if it was required.
type NormalizationError struct {
	Input  MediaInput
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s input %q: %s", e.Input.SourceKind, truncateRef(e.Input.RawRef), e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// UnsupportedCombinationError names the role/text combination no workflow
// accepts.
type UnsupportedCombinationError struct {
	HasProduct  bool
	HasDesign   bool
	HasColor    bool
	HasFreeText bool
}

func (e *UnsupportedCombinationError) Error() string {
	var present, missing []string
	add := func(name string, ok bool) {
		if ok {
			present = append(present, name)
		} else {
			missing = append(missing, name)
		}
	}
	add("product", e.HasProduct)
	add("design", e.HasDesign)
	add("color", e.HasColor)
	add("free text", e.HasFreeText)
	if len(present) == 0 {
		present = append(present, "nothing")
	}
	return fmt.Sprintf("no workflow accepts this combination: have %s, missing %s",
		strings.Join(present, "+"), strings.Join(missing, "+"))
}

// ClassificationError reports malformed semantic-classifier output after the
// single repair attempt. Recovered locally by the heuristic candidate.
type ClassificationError struct {
	Reason string
	Raw    string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("semantic classification invalid: %s", e.Reason)
}

// BackendError reports a generation backend failure for one step.
type BackendError struct {
	Operation string
	Method    string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s (%s): %v", e.Operation, e.Method, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func truncateRef(ref string) string {
	const max = 48
	if len(ref) <= max {
		return ref
	}
	return ref[:max] + "..."
}
