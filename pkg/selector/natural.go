package selector

import (
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
)

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// randSource is satisfied by math/rand/v2's top-level functions and by
// a fixed-sequence fake in tests.
type randSource interface {
	Float64() float64
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }
func (defaultRand) IntN(n int) int   { return rand.IntN(n) }

// NaturalStrategy implements the SillyTavern-compatible three-phase
// selection: mention, talkativeness, then two levels of fallback.
type NaturalStrategy struct {
	rand randSource
}

func (n NaturalStrategy) source() randSource {
	if n.rand != nil {
		return n.rand
	}
	return defaultRand{}
}

func (n NaturalStrategy) Next(in Input) (*string, error) {
	candidates := eligible(in.Candidates, in.PreviousSpeakerID, in.AllowSelf)
	if len(candidates) == 0 {
		return nil, nil
	}

	mentioned := mentionSet(candidates, in.ActivationText)
	r := n.source()

	activation := make([]Candidate, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		talkative := talkativeness(c) >= r.Float64()
		if mentioned[c.MembershipID] || talkative {
			if !seen[c.MembershipID] {
				activation = append(activation, c)
				seen[c.MembershipID] = true
			}
		}
	}

	if len(activation) > 0 {
		pick := activation[r.IntN(len(activation))]
		return &pick.MembershipID, nil
	}

	var anyTalkative []Candidate
	for _, c := range candidates {
		if talkativeness(c) > 0 {
			anyTalkative = append(anyTalkative, c)
		}
	}
	if len(anyTalkative) > 0 {
		pick := anyTalkative[r.IntN(len(anyTalkative))]
		return &pick.MembershipID, nil
	}

	return ListStrategy{}.Next(in)
}

// PredictedQueue never consumes randomness: it orders candidates by
// talkativeness descending, then position, as the UI's best-effort
// preview of what natural selection would favor.
func (n NaturalStrategy) PredictedQueue(in Input, limit int) []string {
	candidates := eligible(in.Candidates, in.PreviousSpeakerID, in.AllowSelf)
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := talkativeness(ordered[i]), talkativeness(ordered[j])
		if ti != tj {
			return ti > tj
		}
		return ordered[i].Position < ordered[j].Position
	})
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.MembershipID
	}
	return ids
}

// mentionSet returns the set of candidate membership ids whose display
// name contains a whole word also present in text, case-insensitively.
func mentionSet(candidates []Candidate, text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[w] = true
	}

	mentioned := make(map[string]bool)
	for _, c := range candidates {
		for _, w := range wordPattern.FindAllString(strings.ToLower(c.DisplayName), -1) {
			if tokens[w] {
				mentioned[c.MembershipID] = true
				break
			}
		}
	}
	return mentioned
}
