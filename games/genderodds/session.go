// Package genderodds implements the round engine of the name odds game.
//
// A player enters a name, a name-inference service estimates how likely the
// name belongs to its most common gender, and the player guesses which bucket
// the probability for a randomly asked gender falls into. Ten rounds make a
// game; a final score above RewardThreshold earns a recipe.
//
// Session owns all game state. Grade and Advance are pure and can be used on
// their own.
package genderodds

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// TotalRounds is the number of questions in one game.
	TotalRounds = 10
	// RewardThreshold is the score a game must beat to earn a recipe.
	RewardThreshold = 5

	DefaultLookupTimeout = 10 * time.Second
)

type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
)

// ParseGender accepts "male" or "female" in any case.
func ParseGender(s string) (Gender, bool) {
	switch Gender(strings.ToLower(strings.TrimSpace(s))) {
	case Male:
		return Male, true
	case Female:
		return Female, true
	}
	return "", false
}

// Inference is what a name-inference service knows about a name: the gender
// it settled on and how sure it is of that gender.
type Inference struct {
	Name        string
	Gender      Gender
	Probability float64
	Count       int
}

type NameInferrer interface {
	Infer(ctx context.Context, name string) (Inference, error)
}

type Recipe struct {
	Title          string `json:"title"`
	Image          string `json:"image"`
	ReadyInMinutes int    `json:"ready_in_minutes"`
}

type RewardSource interface {
	RandomRecipe(ctx context.Context) (Recipe, error)
}

// NameQuery is the question of a single round.
type NameQuery struct {
	Name        string
	Gender      Gender
	Probability float64
	AskedGender Gender
}

func (q NameQuery) Question() string {
	return fmt.Sprintf("What is the probability that %s is %s?", q.Name, q.AskedGender)
}

// ActualProbability is the percentage for the asked gender. The service
// reports the probability of its own gender, so asking about the other one
// takes the complement.
func ActualProbability(q NameQuery) float64 {
	p := math.Min(1, math.Max(0, q.Probability))

	// rounded to drop float noise such as 0.6*100 = 60.00000000000001
	pct := math.Round(p*MaxPercent*1e6) / 1e6
	if q.Gender != q.AskedGender {
		pct = MaxPercent - pct
	}
	return pct
}

type Answer struct {
	Correct  bool    `json:"correct"`
	Actual   float64 `json:"actual"`
	Selected Bucket  `json:"selected"`
	Expected Bucket  `json:"expected"`
}

// Grade checks a bucket selection against a question.
func Grade(q NameQuery, label string) (Answer, error) {
	selected, ok := LookupBucket(label)
	if !ok {
		return Answer{}, fmt.Errorf("%w: %q", ErrInvalidSelection, label)
	}

	actual := ActualProbability(q)
	expected, _ := BucketFor(actual)

	return Answer{
		Correct:  selected.Contains(actual),
		Actual:   actual,
		Selected: selected,
		Expected: expected,
	}, nil
}

// Standing is the round and score of a game.
type Standing struct {
	Round int
	Score int
	Over  bool
}

func NewStanding() Standing {
	return Standing{Round: 1}
}

type RoundOutcome struct {
	Finished bool
	Round    int
	Score    int
}

// Advance records one graded answer. The last round ends the game; a
// finished standing is returned unchanged.
func Advance(st Standing, correct bool) (Standing, RoundOutcome) {
	if st.Over {
		return st, RoundOutcome{Finished: true, Round: st.Round, Score: st.Score}
	}

	if correct {
		st.Score++
	}

	if st.Round >= TotalRounds {
		st.Over = true
		return st, RoundOutcome{Finished: true, Round: st.Round, Score: st.Score}
	}

	st.Round++
	return st, RoundOutcome{Round: st.Round, Score: st.Score}
}

// RewardEligible reports whether a final score earns a recipe.
func RewardEligible(score int) bool {
	return score > RewardThreshold
}

// NormalizeName is the key used to detect a name reused within a game.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

type Option func(*Session)

func WithLookupTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Session) {
		s.rng = rng
	}
}

// Session is one player's game. It is safe for concurrent use; lookups run
// without holding the lock and are tagged with the generation they started
// in, so a Reset while a lookup is in flight makes its result stale.
type Session struct {
	mu sync.Mutex

	names   NameInferrer
	rewards RewardSource
	rng     *rand.Rand
	timeout time.Duration

	standing   Standing
	used       map[string]struct{}
	pending    *NameQuery
	reward     *Recipe
	generation uint64
	lookingUp  bool
	claiming   bool
}

func NewSession(names NameInferrer, rewards RewardSource, opts ...Option) *Session {
	s := &Session{
		names:    names,
		rewards:  rewards,
		timeout:  DefaultLookupTimeout,
		standing: NewStanding(),
		used:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return s
}

func (s *Session) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// StartInquiry looks up a name and turns it into the question for the
// current round.
func (s *Session) StartInquiry(ctx context.Context, raw string) (NameQuery, error) {
	name := NormalizeName(raw)
	if name == "" {
		return NameQuery{}, ErrEmptyInput
	}

	s.mu.Lock()
	switch {
	case s.standing.Over:
		s.mu.Unlock()
		return NameQuery{}, ErrGameOver
	case s.pending != nil:
		s.mu.Unlock()
		return NameQuery{}, ErrQuestionPending
	case s.lookingUp:
		s.mu.Unlock()
		return NameQuery{}, ErrLookupInFlight
	}
	if _, ok := s.used[name]; ok {
		s.mu.Unlock()
		return NameQuery{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	s.lookingUp = true
	gen := s.generation
	s.mu.Unlock()

	lookupCtx, cancel := s.lookupContext(ctx)
	defer cancel()

	inf, err := s.names.Infer(lookupCtx, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return NameQuery{}, ErrSuperseded
	}
	s.lookingUp = false

	if err != nil {
		return NameQuery{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	if inf.Gender != Male && inf.Gender != Female {
		return NameQuery{}, fmt.Errorf("%w: unexpected gender %q", ErrLookupFailed, inf.Gender)
	}
	if inf.Probability < 0 || inf.Probability > 1 || math.IsNaN(inf.Probability) {
		return NameQuery{}, fmt.Errorf("%w: probability %v out of range", ErrLookupFailed, inf.Probability)
	}

	q := NameQuery{
		Name:        strings.TrimSpace(raw),
		Gender:      inf.Gender,
		Probability: inf.Probability,
		AskedGender: s.drawGenderLocked(),
	}

	s.used[name] = struct{}{}
	s.pending = &q

	return q, nil
}

func (s *Session) drawGenderLocked() Gender {
	if s.rng.Intn(2) == 0 {
		return Male
	}
	return Female
}

// SubmitAnswer grades the pending question and moves to the next round. An
// invalid selection leaves the question pending.
func (s *Session) SubmitAnswer(label string) (Answer, RoundOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return Answer{}, RoundOutcome{}, ErrNoQuestion
	}

	answer, err := Grade(*s.pending, label)
	if err != nil {
		return Answer{}, RoundOutcome{}, err
	}

	var outcome RoundOutcome
	s.standing, outcome = Advance(s.standing, answer.Correct)
	s.pending = nil

	return answer, outcome, nil
}

// Reset starts a new game. It is refused while a question waits for an
// answer. Lookups still in flight are discarded when they complete.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return ErrQuestionPending
	}

	s.standing = NewStanding()
	s.used = make(map[string]struct{})
	s.reward = nil
	s.generation++
	s.lookingUp = false
	s.claiming = false

	return nil
}

// ClaimReward fetches the recipe earned by a finished game. It returns nil
// without contacting the reward source when the score is not high enough.
func (s *Session) ClaimReward(ctx context.Context) (*Recipe, error) {
	s.mu.Lock()
	if !s.standing.Over {
		s.mu.Unlock()
		return nil, ErrGameNotOver
	}
	if !RewardEligible(s.standing.Score) {
		s.mu.Unlock()
		return nil, nil
	}
	if s.reward != nil {
		r := *s.reward
		s.mu.Unlock()
		return &r, nil
	}
	if s.claiming {
		s.mu.Unlock()
		return nil, ErrLookupInFlight
	}
	if s.rewards == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no reward source configured", ErrRewardUnavailable)
	}
	s.claiming = true
	gen := s.generation
	s.mu.Unlock()

	lookupCtx, cancel := s.lookupContext(ctx)
	defer cancel()

	recipe, err := s.rewards.RandomRecipe(lookupCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return nil, ErrSuperseded
	}
	s.claiming = false

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewardUnavailable, err)
	}
	if strings.TrimSpace(recipe.Title) == "" {
		return nil, fmt.Errorf("%w: recipe has no title", ErrRewardUnavailable)
	}

	s.reward = &recipe
	r := recipe

	return &r, nil
}

// State is a point-in-time copy of a session.
type State struct {
	Round      int
	Score      int
	Over       bool
	Pending    *NameQuery
	LookingUp  bool
	UsedNames  []string
	Reward     *Recipe
	Generation uint64
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Round:      s.standing.Round,
		Score:      s.standing.Score,
		Over:       s.standing.Over,
		LookingUp:  s.lookingUp,
		UsedNames:  make([]string, 0, len(s.used)),
		Generation: s.generation,
	}

	if s.pending != nil {
		q := *s.pending
		st.Pending = &q
	}
	if s.reward != nil {
		r := *s.reward
		st.Reward = &r
	}
	for name := range s.used {
		st.UsedNames = append(st.UsedNames, name)
	}
	sort.Strings(st.UsedNames)

	return st
}
