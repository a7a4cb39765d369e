package proctor

import "math"

// MaxScore caps every suspicion score.
const MaxScore = 100.0

// Weights for one scoring profile.
type Weights struct {
	Eye    float64
	Head   float64
	Mouth  float64
	Object float64
}

// Profiles used by the scorer. The object profile deliberately swamps the
// facial terms so a forbidden object alone lands at 90.
var (
	NormalWeights = Weights{Eye: 0.3, Head: 0.3, Mouth: 0.2}
	ObjectWeights = Weights{Eye: 0.033, Head: 0.034, Mouth: 0.033, Object: 0.9 * MaxScore}
)

// Mouth multipliers by talking context.
const (
	silentMouthWeight  = 0.3
	talkingMouthWeight = 0.1
)

// Inputs are the per-frame scorer inputs.
type Inputs struct {
	Eye     float64
	Head    float64
	Mouth   float64
	Talking bool
	Object  bool
}

// Scorer combines features into a 0-100 suspicion score.
type Scorer struct {
	normal Weights
	object Weights
}

// NewScorer returns a scorer using the standard profiles.
func NewScorer() *Scorer {
	return &Scorer{normal: NormalWeights, object: ObjectWeights}
}

// Score returns the weighted sum clamped to MaxScore. No lower clamp is
// applied; inputs are non-negative by construction.
func (s *Scorer) Score(in Inputs) float64 {
	w := s.normal
	if in.Object {
		w = s.object
	}

	mouthWeight := silentMouthWeight
	if in.Talking {
		mouthWeight = talkingMouthWeight
	}

	score := w.Eye*in.Eye + w.Head*in.Head + w.Mouth*(mouthWeight*in.Mouth)
	if in.Object {
		score += w.Object
	}
	return math.Min(MaxScore, score)
}
