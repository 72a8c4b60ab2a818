package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"revsplit/core"
	"revsplit/native/splitter"
)

const cursorName = "settlements"

// Stream is the subset of the node the recorder consumes.
type Stream interface {
	SubscribeLedgerEvents(ctx context.Context, cursor string) (<-chan core.LedgerEventUpdate, func(), []core.LedgerEventUpdate, error)
}

// Recorder tails the ledger event stream and mirrors settlements into a
// relational store. Restarts resume from the persisted cursor; redelivered
// events are deduplicated by sequence.
type Recorder struct {
	db     *gorm.DB
	stream Stream
	logger *slog.Logger
}

// OpenDatabase connects the recorder store. Postgres DSNs get the postgres
// driver; anything else is treated as a sqlite path.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("history: dsn required")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		return gorm.Open(postgres.Open(trimmed), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
}

// NewRecorder wires a recorder against the supplied database and stream.
func NewRecorder(db *gorm.DB, stream Stream, logger *slog.Logger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("history: database required")
	}
	if stream == nil {
		return nil, fmt.Errorf("history: stream required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("history: migrate schema: %w", err)
	}
	return &Recorder{db: db, stream: stream, logger: logger}, nil
}

// Run tails the stream until the context ends. The subscription resumes from
// the persisted cursor, so the in-memory backlog covers any events published
// while the recorder was offline, up to the window the node retains.
func (r *Recorder) Run(ctx context.Context) error {
	cursor, err := r.LastSequence()
	if err != nil {
		return err
	}
	var since string
	if cursor > 0 {
		since = strconv.FormatUint(cursor, 10)
	}
	updates, cancel, backlog, err := r.stream.SubscribeLedgerEvents(ctx, since)
	if err != nil {
		return fmt.Errorf("history: subscribe: %w", err)
	}
	defer cancel()

	for _, update := range backlog {
		if err := r.Apply(update); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.Apply(update); err != nil {
				// One bad row must not stop the tail; the unique index
				// keeps a later replay idempotent.
				r.logger.Error("record settlement failed", "error", err.Error(), "sequence", update.Cursor)
			}
		}
	}
}

// Apply records a single update. Sequences already present are skipped.
func (r *Recorder) Apply(update core.LedgerEventUpdate) error {
	if update.Event == nil {
		return fmt.Errorf("history: event required")
	}
	row := settlementFor(update)
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing Settlement
		err := tx.Where("sequence = ?", update.Sequence).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		cursor := Cursor{Name: cursorName, Sequence: update.Sequence, UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cursor).Error
	})
}

// LastSequence reports the stream position the recorder has durably applied.
func (r *Recorder) LastSequence() (uint64, error) {
	var cursor Cursor
	err := r.db.Where("name = ?", cursorName).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("history: load cursor: %w", err)
	}
	return cursor.Sequence, nil
}

// SettlementsFor returns recorded rows touching one address, newest first.
func (r *Recorder) SettlementsFor(address string, limit int) ([]Settlement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Settlement
	err := r.db.Where("address = ?", address).Order("sequence DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: query settlements: %w", err)
	}
	return rows, nil
}

func settlementFor(update core.LedgerEventUpdate) Settlement {
	attrs := update.Event.Attributes
	row := Settlement{
		Sequence: update.Sequence,
		Kind:     update.Event.Type,
	}
	switch update.Event.Type {
	case splitter.EventTypePaymentReceived:
		row.Address = attrs["from"]
		row.Amount = attrs["amount"]
		row.Reference = attrs["reference"]
	case splitter.EventTypePaymentReleased:
		row.Address = attrs["to"]
		row.Amount = attrs["amount"]
	case splitter.EventTypeCapReached:
		row.Amount = attrs["totalAmount"]
	default:
		row.Amount = attrs["amount"]
	}
	if raw, ok := attrs["timestamp"]; ok {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			row.Timestamp = parsed
		}
	}
	return row
}
