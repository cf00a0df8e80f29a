package commissiond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"refwallet/native/referral"
)

// JournalEntry is one submitted outcome handed to a Recorder.
type JournalEntry struct {
	RequestID   string
	Kind        string
	AccountID   string
	Outcome     string
	Credits     []referral.Credit
	Distributed referral.Amount
	Error       string
	Anomaly     bool
	At          time.Time
}

// Recorder persists journal entries.
type Recorder interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// Distribution is the persisted form of a journal entry.
type Distribution struct {
	ID          uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID   string               `gorm:"size:64;index" json:"request_id"`
	Kind        string               `gorm:"size:16;index" json:"kind"`
	AccountID   string               `gorm:"size:64;index" json:"account_id"`
	Outcome     string               `gorm:"size:32;index" json:"outcome"`
	Credited    int                  `json:"credited"`
	Distributed int64                `json:"distributed"`
	Error       string               `json:"error,omitempty"`
	Anomaly     bool                 `gorm:"index" json:"anomaly"`
	CreatedAt   time.Time            `json:"created_at"`
	Credits     []DistributionCredit `json:"credits,omitempty"`
}

// DistributionCredit is one upline credit of a journaled distribution.
type DistributionCredit struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	DistributionID uuid.UUID `gorm:"type:uuid;index" json:"-"`
	Depth          int       `json:"depth"`
	AccountID      string    `gorm:"size:64" json:"account_id"`
	Amount         int64     `json:"amount"`
}

// Journal stores distribution outcomes for reconciliation.
type Journal struct {
	db *gorm.DB
}

// OpenJournal connects to dsn. postgres:// and postgresql:// DSNs use Postgres;
// anything else is a SQLite path or URI.
func OpenJournal(dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewJournal(db)
}

// NewJournal migrates the schema on db.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal database required")
	}
	if err := db.AutoMigrate(&Distribution{}, &DistributionCredit{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record inserts entry with its credits.
func (j *Journal) Record(ctx context.Context, entry JournalEntry) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := Distribution{
		ID:          uuid.New(),
		RequestID:   entry.RequestID,
		Kind:        entry.Kind,
		AccountID:   entry.AccountID,
		Outcome:     entry.Outcome,
		Credited:    len(entry.Credits),
		Distributed: int64(entry.Distributed),
		Error:       entry.Error,
		Anomaly:     entry.Anomaly,
		CreatedAt:   at,
	}
	for _, c := range entry.Credits {
		row.Credits = append(row.Credits, DistributionCredit{
			Depth:     c.Depth,
			AccountID: c.AccountID,
			Amount:    int64(c.Amount),
		})
	}
	return j.db.WithContext(ctx).Create(&row).Error
}

// Anomalies lists entries needing manual reconciliation, newest first.
func (j *Journal) Anomalies(ctx context.Context, limit int) ([]Distribution, error) {
	return j.list(ctx, limit, "anomaly = ?", true)
}

// ForRequest lists every journaled outcome of one request, newest first.
func (j *Journal) ForRequest(ctx context.Context, requestID string) ([]Distribution, error) {
	return j.list(ctx, 0, "request_id = ?", requestID)
}

func (j *Journal) list(ctx context.Context, limit int, query string, args ...any) ([]Distribution, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	tx := j.db.WithContext(ctx).
		Preload("Credits", func(db *gorm.DB) *gorm.DB { return db.Order("depth ASC") }).
		Where(query, args...).
		Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []Distribution
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
