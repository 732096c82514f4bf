// Package outcome maps the ways an invocation can end to the values reported on the root span.
package outcome

import (
	"fmt"
	"strings"
	"time"
)

// TagKey is the root span tag holding the outcome enum value.
const TagKey = "aws.lambda.outcome"

// Outcome is how an invocation ended.
type Outcome string

const (
	Success        Outcome = "success"
	HandledError   Outcome = "error:handled"
	UnhandledError Outcome = "error:unhandled"
)

// IsError reports whether o is one of the error outcomes.
func (o Outcome) IsError() bool { return strings.HasPrefix(string(o), "error:") }

// Enum returns the wire value of o.
//
// It panics on any other value: outcomes are produced by this module only, so an unknown one is a programming error.
func (o Outcome) Enum() int {
	switch o {
	case Success:
		return 1
	case HandledError:
		return 5
	case UnhandledError:
		return 3
	default:
		panic(fmt.Sprintf("unexpected outcome value: %q", string(o)))
	}
}

// TagSetter receives the outcome tag.
type TagSetter interface {
	Set(key string, value any) error
}

// Resolver records an outcome on the root span and routes its result to the matching collaborator.
type Resolver struct {
	// CaptureError records err as an unhandled error captured at ts.
	CaptureError func(err error, ts time.Time)
	// TagResponse derives response tags from a successful handler's output.
	TagResponse func(output []byte)
}

// Resolve sets the outcome tag and dispatches the result; it returns the wire value.
func (r Resolver) Resolve(tags TagSetter, o Outcome, output []byte, err error, end time.Time) (int, error) {
	v := o.Enum()
	if setErr := tags.Set(TagKey, v); setErr != nil {
		return v, fmt.Errorf("set outcome tag: %w", setErr)
	}
	if o.IsError() {
		if r.CaptureError != nil {
			r.CaptureError(err, end)
		}
		return v, nil
	}
	if r.TagResponse != nil {
		r.TagResponse(output)
	}
	return v, nil
}
