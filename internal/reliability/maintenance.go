package reliability

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/database"
)

// Maintenance runs routine database upkeep on a cron cadence: WAL
// checkpoints to keep the logs small, then the nightly archive when an
// archiver is configured.
type Maintenance struct {
	databases []*database.DB
	archiver  *Archiver
	cron      *cron.Cron
	log       zerolog.Logger
}

// NewMaintenance creates the maintenance runner. archiver may be nil when
// no bucket is configured.
func NewMaintenance(databases []*database.DB, archiver *Archiver, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		databases: databases,
		archiver:  archiver,
		cron:      cron.New(),
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Start schedules WAL checkpoints and archival (cron specs).
func (m *Maintenance) Start(walSchedule, archiveSchedule string) error {
	if _, err := m.cron.AddFunc(walSchedule, m.checkpointAll); err != nil {
		return fmt.Errorf("invalid wal schedule %q: %w", walSchedule, err)
	}
	if m.archiver != nil {
		_, err := m.cron.AddFunc(archiveSchedule, func() {
			if err := m.archiver.Archive(context.Background()); err != nil {
				m.log.Error().Err(err).Msg("scheduled archive failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid archive schedule %q: %w", archiveSchedule, err)
		}
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedules.
func (m *Maintenance) Stop() { m.cron.Stop() }

func (m *Maintenance) checkpointAll() {
	for _, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not critical; the next checkpoint will catch up.
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("wal checkpoint failed")
		}
	}
	m.log.Debug().Int("databases", len(m.databases)).Msg("wal checkpoints complete")
}
