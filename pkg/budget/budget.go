// Package budget trims conversation history to fit a model's context window.
package budget

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

// Budgeter selects the longest suffix of a history that fits the context
// capacity of a model after reserving room for the output and system text.
type Budgeter struct {
	catalog *models.Catalog

	mu         sync.RWMutex
	estimators map[models.Family]Estimator
	fallback   Heuristic
}

func NewBudgeter(catalog *models.Catalog) *Budgeter {
	if catalog == nil {
		catalog = models.Builtin()
	}
	return &Budgeter{
		catalog:    catalog,
		estimators: map[models.Family]Estimator{},
		fallback:   Heuristic{CharsPerToken: DefaultCharsPerToken},
	}
}

// SetEstimator installs the estimator used for every model of a family.
// Families without an estimator use the character heuristic.
func (b *Budgeter) SetEstimator(f models.Family, e Estimator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e == nil {
		delete(b.estimators, f)
		return
	}
	b.estimators[f] = e
}

// Estimate counts tokens of text for model. Estimator failures fall back to
// the heuristic and are only logged.
func (b *Budgeter) Estimate(model string, text string) int {
	if text == "" {
		return 0
	}
	e := b.estimatorFor(model)
	if e != nil {
		n, err := e.Estimate(text)
		if err == nil && n >= 0 {
			return n
		}
		log.Warn().Err(err).Str("component", "budget").Str("model", model).Msg("token estimate failed, using heuristic")
	}
	return b.fallback.count(text)
}

func (b *Budgeter) estimatorFor(model string) Estimator {
	f, ok := b.catalog.FamilyOf(model)
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.estimators[f]
}

// Available is the input budget left for history turns.
func (b *Budgeter) Available(model string, reservedOutput int, system string) int {
	return b.catalog.ContextTokens(model) - reservedOutput - b.Estimate(model, system)
}

// Fit walks turns from newest to oldest and keeps each turn while the running
// total stays within the available budget. It stops at the first turn that
// would overflow, so the result is always a contiguous suffix of turns in
// chronological order.
func (b *Budgeter) Fit(turns []chat.Turn, model string, reservedOutput int, system string) []chat.Turn {
	available := b.Available(model, reservedOutput, system)
	if available < 0 || len(turns) == 0 {
		return nil
	}

	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := b.Estimate(model, turns[i].Text)
		if used+n > available {
			break
		}
		used += n
		start = i
	}
	if start == len(turns) {
		return nil
	}

	kept := make([]chat.Turn, len(turns)-start)
	copy(kept, turns[start:])
	if start > 0 {
		log.Debug().
			Str("component", "budget").
			Str("model", model).
			Int("dropped", start).
			Int("kept", len(kept)).
			Int("tokens", used).
			Int("available", available).
			Msg("history truncated to fit context")
	}
	return kept
}
