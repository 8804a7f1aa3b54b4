package allocator

// HeuristicEstimator prices a file at roughly one token per four bytes,
// the usual ratio for code and English prose. It never fails; an exact
// tokenizer can be swapped in through the TokenEstimator interface.
type HeuristicEstimator struct {
	// BytesPerToken overrides the ratio. Zero means 4.
	BytesPerToken int
}

func (e HeuristicEstimator) EstimateTokens(path string, content []byte) (int, error) {
	per := e.BytesPerToken
	if per <= 0 {
		per = 4
	}
	return (len(content) + per - 1) / per, nil
}
