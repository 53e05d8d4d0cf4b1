package selector

// PooledStrategy restricts selection to candidates who have not yet
// spoken in the current epoch (the timeline suffix since the most
// recent user message), delegating the actual pick among the
// remaining pool to inner. When the pool is empty it returns nil,
// deliberately ending auto-mode for the round rather than looping
// forever -- see the open question recorded in DESIGN.md.
type PooledStrategy struct {
	inner Strategy
}

func (p PooledStrategy) unspoken(in Input) []Candidate {
	out := make([]Candidate, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if !in.SpokenInEpoch[c.MembershipID] {
			out = append(out, c)
		}
	}
	return out
}

func (p PooledStrategy) Next(in Input) (*string, error) {
	remaining := p.unspoken(in)
	if len(remaining) == 0 {
		return nil, nil
	}
	pooledInput := in
	pooledInput.Candidates = remaining
	return p.inner.Next(pooledInput)
}

func (p PooledStrategy) PredictedQueue(in Input, limit int) []string {
	remaining := p.unspoken(in)
	pooledInput := in
	pooledInput.Candidates = remaining
	return p.inner.PredictedQueue(pooledInput, limit)
}
