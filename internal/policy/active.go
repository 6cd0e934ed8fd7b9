package policy

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/domain"
)

// Active holds the currently live action source. It starts on the warm-up
// baseline and is swapped exactly when the scheduler promotes a checkpoint;
// a rejected checkpoint never reaches here.
type Active struct {
	mu      sync.RWMutex
	source  domain.ActionSource
	version string
	log     zerolog.Logger
}

// NewActive creates the holder with the given fallback source (normally the
// equal-weight baseline).
func NewActive(fallback domain.ActionSource, log zerolog.Logger) *Active {
	return &Active{
		source: fallback,
		log:    log.With().Str("component", "active_policy").Logger(),
	}
}

// Act delegates to whichever source is live.
func (a *Active) Act(obs map[string]domain.Observation, hidden domain.HiddenState) (map[string]float64, domain.HiddenState, error) {
	a.mu.RLock()
	src := a.source
	a.mu.RUnlock()
	return src.Act(obs, hidden)
}

// Promote swaps in the action source backed by a newly promoted checkpoint.
func (a *Active) Promote(versionID string, source domain.ActionSource) {
	a.mu.Lock()
	a.source = source
	a.version = versionID
	a.mu.Unlock()
	a.log.Info().Str("version", versionID).Msg("live policy swapped")
}

// Version returns the promoted checkpoint version backing the live source,
// or "" while still on the warm-up baseline.
func (a *Active) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}
