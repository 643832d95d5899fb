package flagcheck

import "github.com/illmade-knight/go-flagcheck/pkg/lookup"

// Result is the outcome of a blocking check: a verdict or a classified
// failure, never both.
type Result struct {
	Flagged bool
	Err     error
}

// HasError reports whether the check failed.
func (r Result) HasError() bool {
	return r.Err != nil
}

// Kind classifies the failure. It is lookup.KindUnknown on success.
func (r Result) Kind() lookup.Kind {
	return lookup.KindOf(r.Err)
}

func resultOf(flagged bool, err error) Result {
	if err != nil {
		return Result{Err: err}
	}
	return Result{Flagged: flagged}
}
