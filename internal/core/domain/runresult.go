package domain

// RunResult summarizes one delivery run or a chunk of one.
type RunResult struct {
	SuccessfulHits int      `json:"successful_hits"`
	FailedHits     int      `json:"failed_hits"`
	ErrorMessages  []string `json:"error_messages,omitempty"`
	DryRun         bool     `json:"dry_run"`
}

// Combine merges two results: counts add, messages concatenate with the
// receiver's first, dry-run flags OR together. The count merge is
// associative and commutative, so chunk results fold in any grouping.
func (r RunResult) Combine(other RunResult) RunResult {
	var msgs []string
	if n := len(r.ErrorMessages) + len(other.ErrorMessages); n > 0 {
		msgs = make([]string, 0, n)
		msgs = append(msgs, r.ErrorMessages...)
		msgs = append(msgs, other.ErrorMessages...)
	}
	return RunResult{
		SuccessfulHits: r.SuccessfulHits + other.SuccessfulHits,
		FailedHits:     r.FailedHits + other.FailedHits,
		ErrorMessages:  msgs,
		DryRun:         r.DryRun || other.DryRun,
	}
}
