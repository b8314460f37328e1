package services

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/soaringjerry/persuasion/internal/models"
)

// RandSource is the subset of *rand.Rand used for assignment and sampling.
type RandSource interface {
	Float64() float64
	IntN(n int) int
	Perm(n int) []int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandSource returns a goroutine-safe source seeded from the clock.
func NewRandSource() RandSource {
	seed := uint64(time.Now().UnixNano())
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed>>17|1))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

func (l *lockedRand) Perm(n int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Perm(n)
}

// Cumulative probability bands for condition assignment.
const (
	microtargetingBand      = 0.64
	noMicrotargetingBand    = 0.80
	falseMicrotargetingBand = 0.90
)

// ConditionFor maps a uniform draw r in [0,1) to a condition.
func ConditionFor(r float64) models.Condition {
	switch {
	case r < microtargetingBand:
		return models.ConditionMicrotargeting
	case r < noMicrotargetingBand:
		return models.ConditionNoMicrotargeting
	case r < falseMicrotargetingBand:
		return models.ConditionFalseMicrotargeting
	default:
		return models.ConditionControl
	}
}

// Assignment is the outcome of randomizing one participant.
type Assignment struct {
	Condition   models.Condition
	IssueStance string
}

// Randomizer draws a condition and an issue stance per participant.
type Randomizer struct {
	rnd     RandSource
	stances []string
}

func NewRandomizer(rnd RandSource, stances []string) *Randomizer {
	if rnd == nil {
		rnd = NewRandSource()
	}
	return &Randomizer{rnd: rnd, stances: append([]string(nil), stances...)}
}

// Assign draws the condition and, independently, a uniformly chosen stance.
func (r *Randomizer) Assign() Assignment {
	a := Assignment{Condition: ConditionFor(r.rnd.Float64())}
	if len(r.stances) > 0 {
		a.IssueStance = r.stances[r.rnd.IntN(len(r.stances))]
	}
	return a
}
