package selector

// ListStrategy rotates strictly through position-ordered candidates,
// starting one slot after the previous speaker.
type ListStrategy struct{}

func (ListStrategy) Next(in Input) (*string, error) {
	queue := in.rotation()
	if len(queue) == 0 {
		return nil, nil
	}
	return &queue[0], nil
}

func (ListStrategy) PredictedQueue(in Input, limit int) []string {
	queue := in.rotation()
	if limit > 0 && limit < len(queue) {
		queue = queue[:limit]
	}
	return queue
}

// rotation computes the full rotation order starting at
// (index(previous_speaker) + 1) mod N, honoring allow_self.
func (in Input) rotation() []string {
	candidates := in.Candidates
	if len(candidates) == 0 {
		return nil
	}

	start := 0
	if idx := indexOf(candidates, in.PreviousSpeakerID); idx >= 0 {
		start = (idx + 1) % len(candidates)
	}

	ordered := make([]Candidate, 0, len(candidates))
	for i := range candidates {
		ordered = append(ordered, candidates[(start+i)%len(candidates)])
	}

	ordered = eligible(ordered, in.PreviousSpeakerID, in.AllowSelf)

	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.MembershipID
	}
	return ids
}
