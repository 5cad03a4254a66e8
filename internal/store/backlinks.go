package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// WhoisData is the persisted WHOIS enrichment for one backlink domain.
type WhoisData struct {
	Registrar     string    `json:"registrar,omitempty"`
	DomainAgeDays *int      `json:"domain_age_days,omitempty"`
	Registered    *bool     `json:"registered,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// SafeBrowsingData is the persisted Safe Browsing verdict for one backlink.
type SafeBrowsingData struct {
	Flagged   bool      `json:"flagged"`
	Threats   []string  `json:"threats,omitempty"`
	Unknown   bool      `json:"unknown,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// PbnData is the persisted PBN risk verdict for one backlink domain.
type PbnData struct {
	RiskScore float64   `json:"risk_score"`
	RiskLevel string    `json:"risk_level,omitempty"`
	Flags     []string  `json:"flags,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Backlink is one discovered backlink plus its enrichment state. The three
// enrichment blobs are written by independent updates so concurrent enrichers
// never clobber each other's fields.
type Backlink struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	SourceURL    string            `json:"source_url"`
	SourceDomain string            `json:"source_domain"`
	TargetURL    string            `json:"target_url"`
	AnchorText   string            `json:"anchor_text,omitempty"`
	Whois        *WhoisData        `json:"whois,omitempty"`
	SafeBrowsing *SafeBrowsingData `json:"safe_browsing,omitempty"`
	Pbn          *PbnData          `json:"pbn,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Backlinks is the Postgres backlink store.
type Backlinks struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewBacklinks builds the backlink store.
func NewBacklinks(db *sqlx.DB, logger *zap.Logger) *Backlinks {
	return &Backlinks{db: db, logger: logger}
}

const backlinkColumns = `id, task_id, source_url, source_domain, target_url, anchor_text, whois, safe_browsing, pbn, created_at, updated_at`

type backlinkRow struct {
	ID           string         `db:"id"`
	TaskID       string         `db:"task_id"`
	SourceURL    string         `db:"source_url"`
	SourceDomain string         `db:"source_domain"`
	TargetURL    string         `db:"target_url"`
	AnchorText   sql.NullString `db:"anchor_text"`
	Whois        []byte         `db:"whois"`
	SafeBrowsing []byte         `db:"safe_browsing"`
	Pbn          []byte         `db:"pbn"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r backlinkRow) toBacklink() (*Backlink, error) {
	b := &Backlink{
		ID:           r.ID,
		TaskID:       r.TaskID,
		SourceURL:    r.SourceURL,
		SourceDomain: r.SourceDomain,
		TargetURL:    r.TargetURL,
		AnchorText:   r.AnchorText.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Whois) > 0 {
		if err := json.Unmarshal(r.Whois, &b.Whois); err != nil {
			return nil, fmt.Errorf("decode whois for backlink %s: %w", r.ID, err)
		}
	}
	if len(r.SafeBrowsing) > 0 {
		if err := json.Unmarshal(r.SafeBrowsing, &b.SafeBrowsing); err != nil {
			return nil, fmt.Errorf("decode safe_browsing for backlink %s: %w", r.ID, err)
		}
	}
	if len(r.Pbn) > 0 {
		if err := json.Unmarshal(r.Pbn, &b.Pbn); err != nil {
			return nil, fmt.Errorf("decode pbn for backlink %s: %w", r.ID, err)
		}
	}
	return b, nil
}

// Create inserts a backlink row.
func (s *Backlinks) Create(ctx context.Context, b *Backlink) error {
	var anchor interface{}
	if b.AnchorText != "" {
		anchor = b.AnchorText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backlinks (id, task_id, source_url, source_domain, target_url, anchor_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		b.ID, b.TaskID, b.SourceURL, b.SourceDomain, b.TargetURL, anchor,
	)
	if err != nil {
		return fmt.Errorf("insert backlink: %w", err)
	}
	return nil
}

// Get loads one backlink by id.
func (s *Backlinks) Get(ctx context.Context, id string) (*Backlink, error) {
	var row backlinkRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+backlinkColumns+` FROM backlinks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backlink %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select backlink: %w", err)
	}
	return row.toBacklink()
}

// ListByTaskAndDomain returns a task's backlinks originating from one source
// domain, oldest first.
func (s *Backlinks) ListByTaskAndDomain(ctx context.Context, taskID, sourceDomain string) ([]*Backlink, error) {
	var rows []backlinkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+backlinkColumns+` FROM backlinks
		WHERE task_id = $1 AND source_domain = $2
		ORDER BY created_at ASC`,
		taskID, sourceDomain,
	)
	if err != nil {
		return nil, fmt.Errorf("select backlinks: %w", err)
	}
	out := make([]*Backlink, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBacklink()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// UpdateWhois writes only the whois column.
func (s *Backlinks) UpdateWhois(ctx context.Context, id string, data WhoisData) error {
	return s.updateBlob(ctx, id, "whois", data)
}

// UpdateSafeBrowsing writes only the safe_browsing column.
func (s *Backlinks) UpdateSafeBrowsing(ctx context.Context, id string, data SafeBrowsingData) error {
	return s.updateBlob(ctx, id, "safe_browsing", data)
}

// UpdatePbn writes only the pbn column.
func (s *Backlinks) UpdatePbn(ctx context.Context, id string, data PbnData) error {
	return s.updateBlob(ctx, id, "pbn", data)
}

func (s *Backlinks) updateBlob(ctx context.Context, id, column string, data interface{}) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}
	// column is one of three fixed names, never caller input.
	query := fmt.Sprintf(`UPDATE backlinks SET %s = $2, updated_at = NOW() WHERE id = $1`, column)
	res, err := s.db.ExecContext(ctx, query, id, blob)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("backlink %s not found", id)
	}
	return nil
}
