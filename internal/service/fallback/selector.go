package fallback

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/persona"
)

// PlaceholderName 用于无法识别的 user key。
const PlaceholderName = "amigo"

// Selector picks a canned reply when the LLM cannot produce one.
type Selector struct {
	identities persona.Store
	emotions   *emotion.Table

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customises a Selector.
type Option func(*Selector)

// WithRand injects the random source, typically a seeded one in tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Selector) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithSeed makes the draw sequence reproducible.
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// NewSelector creates a Selector over immutable identity and emotion tables.
func NewSelector(identities persona.Store, emotions *emotion.Table, opts ...Option) *Selector {
	if emotions == nil {
		emotions = emotion.NewTable(nil)
	}
	now := uint64(time.Now().UnixNano())
	s := &Selector{
		identities: identities,
		emotions:   emotions,
		rng:        rand.New(rand.NewPCG(now, now>>1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns one template for emotionTag, drawn uniformly, with the
// display name of userKey substituted.
func (s *Selector) Select(emotionTag, userKey string) string {
	candidates := s.emotions.Fallbacks(emotionTag)

	s.mu.Lock()
	idx := s.rng.IntN(len(candidates))
	s.mu.Unlock()

	return strings.ReplaceAll(candidates[idx], emotion.UserPlaceholder, s.DisplayName(userKey))
}

// Candidates returns every reply Select can produce for the pair.
func (s *Selector) Candidates(emotionTag, userKey string) []string {
	name := s.DisplayName(userKey)
	templates := s.emotions.Fallbacks(emotionTag)
	out := make([]string, len(templates))
	for i, tpl := range templates {
		out[i] = strings.ReplaceAll(tpl, emotion.UserPlaceholder, name)
	}
	return out
}

// DisplayName resolves userKey to its configured name or the placeholder.
func (s *Selector) DisplayName(userKey string) string {
	if s.identities != nil {
		if identity, ok := s.identities.FindByKey(userKey); ok {
			return identity.Name
		}
	}
	return PlaceholderName
}
