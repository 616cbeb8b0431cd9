package sink

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

const archiveSchema = `CREATE TABLE IF NOT EXISTS threat_events (
	id              TEXT PRIMARY KEY,
	source_ip       TEXT NOT NULL,
	threat_type     TEXT NOT NULL,
	severity        TEXT NOT NULL,
	reported_at     TEXT NOT NULL,
	reporter_pubkey TEXT NOT NULL,
	signature       TEXT,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// ErrQueueFull is returned by Archive.Publish when the event was dropped.
var ErrQueueFull = errors.New("archive queue full")

// Archive batches accepted events into a PostgreSQL table. Publish never
// blocks the gossip path: when the queue is full the event is dropped.
type Archive struct {
	db     *sql.DB
	queue  chan *domain.ThreatEvent
	done   chan struct{}
	wg     sync.WaitGroup
	logger logrus.FieldLogger

	mu      sync.Mutex
	running bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewArchive connects to databaseURL and creates the archive table.
func NewArchive(databaseURL string, logger logrus.FieldLogger) (*Archive, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive table: %w", err)
	}
	return newArchive(db, queueSize, logger), nil
}

func newArchive(db *sql.DB, size int, logger logrus.FieldLogger) *Archive {
	logger = logutil.OrDiscard(logger)
	return &Archive{
		db:     db,
		queue:  make(chan *domain.ThreatEvent, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start begins the background writer goroutine.
func (a *Archive) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.wg.Add(1)
	go a.writerLoop()
	a.logger.Info("event archive started")
}

// Stop flushes queued events and closes the database. An archive that was
// never started only closes the database.
func (a *Archive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		if a.db != nil {
			a.db.Close()
		}
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
	a.db.Close()
	a.logger.WithFields(logrus.Fields(a.Stats())).Info("event archive stopped")
}

// Publish queues e for the next batch.
func (a *Archive) Publish(e *domain.ThreatEvent) error {
	select {
	case a.queue <- e:
		return nil
	default:
		if n := a.dropped.Add(1); n%1000 == 1 {
			a.logger.WithField("dropped", n).Warn("archive queue full")
		}
		return ErrQueueFull
	}
}

// Stats returns writer counters.
func (a *Archive) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_written":  a.written.Load(),
		"events_dropped":  a.dropped.Load(),
		"events_failed":   a.failed.Load(),
		"batches_written": a.batches.Load(),
		"queue_len":       len(a.queue),
	}
}

func (a *Archive) writerLoop() {
	defer a.wg.Done()

	batch := make([]*domain.ThreatEvent, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			a.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.done:
			for {
				select {
				case e := <-a.queue:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *Archive) writeBatch(batch []*domain.ThreatEvent) {
	tx, err := a.db.Begin()
	if err != nil {
		a.logger.WithError(err).Error("archive: begin transaction")
		return
	}
	defer tx.Rollback()

	written, err := a.insertBatch(tx, batch)
	if err != nil {
		a.logger.WithError(err).Error("archive: write batch")
		return
	}
	if err := tx.Commit(); err != nil {
		a.logger.WithError(err).Error("archive: commit batch")
		return
	}
	a.written.Add(uint64(written))
	a.batches.Add(1)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertBatch writes each event under its own savepoint. PostgreSQL aborts
// the whole transaction on a failed statement, so a rejected row is rolled
// back to its savepoint and the rest of the batch still commits.
func (a *Archive) insertBatch(tx execer, batch []*domain.ThreatEvent) (int, error) {
	written := 0
	for _, e := range batch {
		if _, err := tx.Exec("SAVEPOINT archive_row"); err != nil {
			return written, fmt.Errorf("savepoint: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO threat_events (id, source_ip, threat_type, severity, reported_at, reporter_pubkey, signature)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.SourceIP, e.ThreatType, e.Severity, e.Timestamp, e.ReporterPubKey, e.Signature,
		)
		if err != nil {
			a.logger.WithError(err).WithField("event", e.ID).Warn("archive: insert failed")
			a.failed.Add(1)
			if _, err := tx.Exec("ROLLBACK TO SAVEPOINT archive_row"); err != nil {
				return written, fmt.Errorf("rollback to savepoint: %w", err)
			}
			continue
		}
		if _, err := tx.Exec("RELEASE SAVEPOINT archive_row"); err != nil {
			return written, fmt.Errorf("release savepoint: %w", err)
		}
		written++
	}
	return written, nil
}
