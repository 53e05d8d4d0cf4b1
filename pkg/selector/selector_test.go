package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRand drives deterministic test cases: Float64 replays a fixed
// sequence (wrapping), IntN always returns 0 (picks the first item).
type fixedRand struct {
	floats []float64
	i      int
}

func (f *fixedRand) Float64() float64 {
	v := f.floats[f.i%len(f.floats)]
	f.i++
	return v
}

func (f *fixedRand) IntN(int) int { return 0 }

func ptr(f float64) *float64 { return &f }

func TestNew_UnknownReplyOrder(t *testing.T) {
	_, err := New("chaotic")
	assert.Error(t, err)
}

func TestManualStrategy_NeverSelects(t *testing.T) {
	s, err := New("manual")
	require.NoError(t, err)

	next, err := s.Next(Input{Candidates: []Candidate{{MembershipID: "a"}}})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Empty(t, s.PredictedQueue(Input{Candidates: []Candidate{{MembershipID: "a"}}}, 5))
}

func TestListStrategy_RotatesFromPreviousSpeaker(t *testing.T) {
	s := ListStrategy{}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "a", Position: 0},
			{MembershipID: "b", Position: 1},
			{MembershipID: "c", Position: 2},
		},
		PreviousSpeakerID: "a",
		AllowSelf:         true,
	}

	next, err := s.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b", *next)

	assert.Equal(t, []string{"b", "c", "a"}, s.PredictedQueue(in, 0))
}

func TestListStrategy_SkipsSelfWhenDisallowed(t *testing.T) {
	s := ListStrategy{}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "a", Position: 0},
			{MembershipID: "b", Position: 1},
		},
		PreviousSpeakerID: "b",
		AllowSelf:         false,
	}

	next, err := s.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "a", *next)
}

func TestListStrategy_NoCandidatesReturnsNil(t *testing.T) {
	s := ListStrategy{}
	next, err := s.Next(Input{})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNaturalStrategy_MentionPhaseWins(t *testing.T) {
	s := NaturalStrategy{rand: &fixedRand{floats: []float64{0.99}}}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "ada", DisplayName: "Ada", TalkativenessFactor: ptr(0.0)},
			{MembershipID: "bob", DisplayName: "Bob", TalkativenessFactor: ptr(0.0)},
		},
		ActivationText: "hey Ada, what do you think?",
		AllowSelf:      true,
	}

	next, err := s.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "ada", *next)
}

func TestNaturalStrategy_TalkativenessPhase(t *testing.T) {
	// Float64 draw of 0.1 means a candidate with factor 0.5 (default,
	// nil) clears the bar and a candidate with factor 0.0 never does.
	s := NaturalStrategy{rand: &fixedRand{floats: []float64{0.1}}}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "quiet", DisplayName: "Quiet", TalkativenessFactor: ptr(0.0)},
			{MembershipID: "default", DisplayName: "Default"},
		},
		ActivationText: "nothing relevant here",
		AllowSelf:      true,
	}

	next, err := s.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "default", *next)
}

func TestNaturalStrategy_FallsBackToListWhenActivationSetEmpty(t *testing.T) {
	s := NaturalStrategy{rand: &fixedRand{floats: []float64{0.99}}}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "a", DisplayName: "Zeta", Position: 0, TalkativenessFactor: ptr(0.0)},
			{MembershipID: "b", DisplayName: "Yara", Position: 1, TalkativenessFactor: ptr(0.0)},
		},
		ActivationText:    "nothing relevant here",
		PreviousSpeakerID: "a",
		AllowSelf:         true,
	}

	next, err := s.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b", *next, "must fall back to list rotation from previous speaker")
}

func TestPooledStrategy_ExhaustedPoolReturnsNil(t *testing.T) {
	p := PooledStrategy{inner: NaturalStrategy{rand: &fixedRand{floats: []float64{0.99}}}}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "a"},
			{MembershipID: "b"},
		},
		SpokenInEpoch: map[string]bool{"a": true, "b": true},
		AllowSelf:     true,
	}

	next, err := p.Next(in)
	require.NoError(t, err)
	assert.Nil(t, next, "exhausted pool must terminate auto-mode rather than loop")
}

func TestPooledStrategy_PicksFromUnspokenOnly(t *testing.T) {
	p := PooledStrategy{inner: NaturalStrategy{rand: &fixedRand{floats: []float64{0.99}}}}
	in := Input{
		Candidates: []Candidate{
			{MembershipID: "a", DisplayName: "Ada", TalkativenessFactor: ptr(0.0)},
			{MembershipID: "b", DisplayName: "Bob", TalkativenessFactor: ptr(0.0)},
		},
		SpokenInEpoch:  map[string]bool{"a": true},
		ActivationText: "no mentions here",
		AllowSelf:      true,
	}

	next, err := p.Next(in)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b", *next)
}
