package evidence

import (
	"fmt"
	"strings"
	"time"

	"zeroshare/services/catalog"
)

// Status tags the outcome of one kind.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result is the outcome for one requested kind.
type Result struct {
	Kind   catalog.Kind
	Status Status
	Files  []string
	// Note carries a degraded-but-written condition, such as unparsable audit output.
	Note   string
	Reason string
	Err    error
}

// Report summarises one generator run.
type Report struct {
	Filter      string
	GeneratedAt time.Time
	Results     []Result
	// Rotated is the archive directory the previous snapshot moved to, if any.
	Rotated string
}

func (r *Report) kinds(status Status) []catalog.Kind {
	if r == nil {
		return nil
	}
	var out []catalog.Kind
	for _, res := range r.Results {
		if res.Status == status {
			out = append(out, res.Kind)
		}
	}
	return out
}

func (r *Report) Succeeded() []catalog.Kind { return r.kinds(StatusSucceeded) }
func (r *Report) Skipped() []catalog.Kind   { return r.kinds(StatusSkipped) }
func (r *Report) Failed() []catalog.Kind    { return r.kinds(StatusFailed) }

// Summary renders the run outcome for the operator.
func (r *Report) Summary() string {
	if r == nil || len(r.Results) == 0 {
		return "no evidence required\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "evidence for %s at %s\n", r.Filter, r.GeneratedAt.Format(time.RFC3339))
	for _, res := range r.Results {
		switch res.Status {
		case StatusSucceeded:
			line := fmt.Sprintf("  ok      %s (%s)", res.Kind, strings.Join(res.Files, ", "))
			if res.Note != "" {
				line += ": " + res.Note
			}
			b.WriteString(line + "\n")
		case StatusSkipped:
			fmt.Fprintf(&b, "  skipped %s: %s\n", res.Kind, res.Reason)
		case StatusFailed:
			fmt.Fprintf(&b, "  failed  %s: %v\n", res.Kind, res.Err)
		}
	}
	fmt.Fprintf(&b, "%d succeeded, %d skipped, %d failed\n", len(r.Succeeded()), len(r.Skipped()), len(r.Failed()))
	return b.String()
}
