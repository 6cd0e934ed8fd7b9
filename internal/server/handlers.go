package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tidemark-io/tidemark/internal/database"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/experience"
	"github.com/tidemark-io/tidemark/internal/learning"
)

// PortfolioProvider exposes the environment's read-only view of state.
type PortfolioProvider interface {
	State() *domain.PortfolioState
	EpisodeID() string
}

// UpdateTrigger requests an update cycle; the scheduler implements it.
type UpdateTrigger interface {
	Trigger(ctx context.Context) error
	Halted() bool
}

// Handlers holds the audit API's dependencies.
type Handlers struct {
	log         zerolog.Logger
	startupTime time.Time

	databases   []*database.DB
	portfolio   PortfolioProvider
	checkpoints *learning.CheckpointRepository
	transitions *experience.Repository
	buffer      *experience.Buffer
	cycles      *learning.CycleHistory
	trigger     UpdateTrigger
}

// NewHandlers creates the handler set.
func NewHandlers(
	databases []*database.DB,
	portfolio PortfolioProvider,
	checkpoints *learning.CheckpointRepository,
	transitions *experience.Repository,
	buffer *experience.Buffer,
	cycles *learning.CycleHistory,
	trigger UpdateTrigger,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		log:         log.With().Str("component", "handlers").Logger(),
		startupTime: time.Now().UTC(),
		databases:   databases,
		portfolio:   portfolio,
		checkpoints: checkpoints,
		transitions: transitions,
		buffer:      buffer,
		cycles:      cycles,
		trigger:     trigger,
	}
}

// Health reports process and database health plus basic system stats.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type dbHealth struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}

	healthy := true
	dbs := make([]dbHealth, 0, len(h.databases))
	for _, db := range h.databases {
		entry := dbHealth{Name: db.Name(), Healthy: true}
		if err := db.HealthCheck(r.Context()); err != nil {
			entry.Healthy = false
			entry.Error = err.Error()
			healthy = false
		}
		dbs = append(dbs, entry)
	}

	response := map[string]any{
		"healthy":     healthy,
		"uptime_sec":  int64(time.Since(h.startupTime).Seconds()),
		"databases":   dbs,
		"buffer_size": h.buffer.Len(),
		"halted":      h.trigger != nil && h.trigger.Halted(),
	}
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		response["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		response["mem_percent"] = vm.UsedPercent
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.respond(w, status, response)
}

// Portfolio returns the environment's current cash and positions.
func (h *Handlers) Portfolio(w http.ResponseWriter, r *http.Request) {
	state := h.portfolio.State()
	if state == nil {
		h.respondError(w, http.StatusNotFound, "no active episode")
		return
	}

	type positionView struct {
		Symbol     string    `json:"symbol"`
		Shares     int64     `json:"shares"`
		EntryPrice float64   `json:"entry_price"`
		EntryTime  time.Time `json:"entry_time"`
	}
	positions := make([]positionView, 0, len(state.Positions))
	for symbol, pos := range state.Positions {
		positions = append(positions, positionView{
			Symbol:     symbol,
			Shares:     pos.Shares,
			EntryPrice: pos.EntryPrice,
			EntryTime:  pos.EntryTime,
		})
	}

	h.respond(w, http.StatusOK, map[string]any{
		"episode_id": h.portfolio.EpisodeID(),
		"cash":       state.Cash,
		"positions":  positions,
		"updated_at": state.UpdatedAt,
	})
}

// ListCheckpoints returns checkpoints in a time range (default last 7 days).
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := parseRangeQuery(r, 7*24*time.Hour)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	checkpoints, err := h.checkpoints.List(r.Context(), from, to, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list checkpoints")
		h.respondError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	h.respond(w, http.StatusOK, checkpointViews(checkpoints))
}

// GetCheckpoint returns one checkpoint by version ID.
func (h *Handlers) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionID")
	cp, err := h.checkpoints.Get(r.Context(), versionID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	h.respond(w, http.StatusOK, checkpointViews([]*domain.PolicyCheckpoint{cp})[0])
}

// ListTransitions returns the transition ledger in a time range.
func (h *Handlers) ListTransitions(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := parseRangeQuery(r, 24*time.Hour)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	transitions, err := h.transitions.QueryRange(r.Context(), from, to, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query transitions")
		h.respondError(w, http.StatusInternalServerError, "failed to query transitions")
		return
	}

	type transitionView struct {
		ID         int64     `json:"id"`
		EpisodeID  string    `json:"episode_id"`
		StepIndex  int64     `json:"step_index"`
		Reward     float64   `json:"reward"`
		RecordedAt time.Time `json:"recorded_at"`
		Valid      bool      `json:"valid"`
	}
	views := make([]transitionView, 0, len(transitions))
	for _, t := range transitions {
		views = append(views, transitionView{
			ID:         t.ID,
			EpisodeID:  t.EpisodeID,
			StepIndex:  t.StepIndex,
			Reward:     t.Reward,
			RecordedAt: t.RecordedAt,
			Valid:      t.Valid,
		})
	}
	h.respond(w, http.StatusOK, views)
}

// ListCycles returns recent update-cycle history.
func (h *Handlers) ListCycles(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	cycles, err := h.cycles.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query update cycles")
		h.respondError(w, http.StatusInternalServerError, "failed to query update cycles")
		return
	}
	h.respond(w, http.StatusOK, cycles)
}

// TriggerUpdate requests an update cycle outside the cadence.
func (h *Handlers) TriggerUpdate(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		h.respondError(w, http.StatusServiceUnavailable, "no scheduler attached")
		return
	}
	err := h.trigger.Trigger(r.Context())
	switch {
	case err == nil:
		h.respond(w, http.StatusOK, map[string]string{"status": "completed"})
	case errors.Is(err, domain.ErrUpdateInFlight):
		h.respond(w, http.StatusAccepted, map[string]string{"status": "deferred"})
	case errors.Is(err, learning.ErrSchedulerHalted):
		h.respondError(w, http.StatusConflict, "scheduler halted")
	default:
		h.log.Error().Err(err).Msg("manual update trigger failed")
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type checkpointView struct {
	VersionID     string                   `json:"version_id"`
	ParametersRef string                   `json:"parameters_ref"`
	CreatedAt     time.Time                `json:"created_at"`
	Status        string                   `json:"status"`
	Validation    domain.ValidationMetrics `json:"validation"`
}

func checkpointViews(checkpoints []*domain.PolicyCheckpoint) []checkpointView {
	views := make([]checkpointView, 0, len(checkpoints))
	for _, cp := range checkpoints {
		views = append(views, checkpointView{
			VersionID:     cp.VersionID,
			ParametersRef: cp.ParametersRef,
			CreatedAt:     cp.CreatedAt,
			Status:        string(cp.Status),
			Validation:    cp.Validation,
		})
	}
	return views
}

// parseRangeQuery reads from/to (RFC3339) and limit query params, defaulting
// to a trailing window of defaultSpan ending now.
func parseRangeQuery(r *http.Request, defaultSpan time.Duration) (from, to time.Time, limit int, err error) {
	now := time.Now().UTC()
	from, to = now.Add(-defaultSpan), now

	query := r.URL.Query()
	if raw := query.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, 0, errors.New("invalid from timestamp")
		}
	}
	if raw := query.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, 0, errors.New("invalid to timestamp")
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			return from, to, 0, errors.New("invalid limit")
		}
	}
	return from, to, limit, nil
}

func (h *Handlers) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respond(w, status, map[string]string{"error": message})
}
