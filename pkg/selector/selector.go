// Package selector implements the speaker selector (§4.2): a pure
// function from conversation state to the next SpaceMembership that
// should speak, with four interchangeable strategies.
package selector

import "fmt"

// Candidate is the selector's view of an eligible participant --
// already filtered upstream to status=active, participation=active,
// can_auto_respond=true, and ordered by position.
type Candidate struct {
	MembershipID        string
	DisplayName         string
	Position            int
	TalkativenessFactor *float64
}

// Input bundles everything a strategy needs to pick the next speaker.
type Input struct {
	Candidates        []Candidate
	PreviousSpeakerID string
	AllowSelf         bool
	// ActivationText is the most recent non-system message's text,
	// used by the natural strategy's mention phase.
	ActivationText string
	// SpokenInEpoch holds the membership ids that already produced an
	// assistant message since the most recent user message, used by
	// the pooled strategy.
	SpokenInEpoch map[string]bool
}

// Strategy picks the next speaker, or nil when no one should be
// auto-selected.
type Strategy interface {
	// Next returns the membership id of the next speaker, or nil.
	Next(in Input) (*string, error)
	// PredictedQueue returns up to limit membership ids in the order
	// this strategy would deterministically select them, for the UI's
	// upcoming-speaker preview. It never consumes randomness.
	PredictedQueue(in Input, limit int) []string
}

// New constructs the Strategy for a Space's reply_order setting.
func New(replyOrder string) (Strategy, error) {
	switch replyOrder {
	case "manual":
		return ManualStrategy{}, nil
	case "list":
		return ListStrategy{}, nil
	case "natural":
		return NaturalStrategy{}, nil
	case "pooled":
		return PooledStrategy{inner: NaturalStrategy{}}, nil
	default:
		return nil, fmt.Errorf("selector: unknown reply order %q", replyOrder)
	}
}

func indexOf(candidates []Candidate, membershipID string) int {
	for i, c := range candidates {
		if c.MembershipID == membershipID {
			return i
		}
	}
	return -1
}

func eligible(candidates []Candidate, previousSpeakerID string, allowSelf bool) []Candidate {
	if allowSelf || previousSpeakerID == "" {
		return candidates
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.MembershipID == previousSpeakerID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func talkativeness(c Candidate) float64 {
	if c.TalkativenessFactor == nil {
		return 0.5
	}
	return *c.TalkativenessFactor
}
