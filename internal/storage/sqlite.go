package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tgblast/internal/delivery"
	"tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- campaigns ----

const campaignCols = `id, owner_id, message, attachments, recipients, segment_id, status,
	retry_count, sent, failed, skipped, failure_rate,
	last_job_id, last_error, last_sent_at, created_at, updated_at`

func (s *sqliteStore) CreateCampaign(ctx context.Context, c delivery.Campaign) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = delivery.StatusDraft
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Message,
		nullJSON(c.Attachments), nullJSONStrings(c.Recipients), nullStr(c.SegmentID),
		string(c.Status), c.RetryCount, c.Sent, c.Failed, c.Skipped, c.FailureRate,
		nullStr(c.LastJobID), nullStr(c.LastError), nullTime(c.LastSentAt),
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (delivery.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, err
}

// UpdateStatus applies field-level merge-patch semantics: the status column
// always updates; everything else only when the patch names it.
func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status delivery.Status, lastSentAt *time.Time, patch delivery.MetadataPatch) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().Format(time.RFC3339Nano)}

	if lastSentAt != nil {
		sets = append(sets, "last_sent_at = ?")
		args = append(args, lastSentAt.Format(time.RFC3339Nano))
	}
	if patch.Sent != nil {
		sets = append(sets, "sent = ?")
		args = append(args, *patch.Sent)
	}
	if patch.Failed != nil {
		sets = append(sets, "failed = ?")
		args = append(args, *patch.Failed)
	}
	if patch.Skipped != nil {
		sets = append(sets, "skipped = ?")
		args = append(args, *patch.Skipped)
	}
	if patch.FailureRate != nil {
		sets = append(sets, "failure_rate = ?")
		args = append(args, *patch.FailureRate)
	}
	if patch.LastJobID != nil {
		sets = append(sets, "last_job_id = ?")
		args = append(args, nullStr(*patch.LastJobID))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*patch.LastError))
	}
	if patch.RetryCountAdd != 0 {
		sets = append(sets, "retry_count = retry_count + ?")
		args = append(args, patch.RetryCountAdd)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListRetryable(ctx context.Context, maxRetry int) ([]delivery.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE status = ? AND retry_count < ?
		 ORDER BY updated_at ASC`,
		string(delivery.StatusFailed), maxRetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (delivery.Campaign, error) {
	var (
		c                                  delivery.Campaign
		attachments, recipients, segmentID sql.NullString
		lastJobID, lastError, lastSentAt   sql.NullString
		status, createdAt, updatedAt       string
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Message, &attachments, &recipients, &segmentID,
		&status, &c.RetryCount, &c.Sent, &c.Failed, &c.Skipped, &c.FailureRate,
		&lastJobID, &lastError, &lastSentAt, &createdAt, &updatedAt)
	if err != nil {
		return delivery.Campaign{}, err
	}
	c.Status = delivery.Status(status)
	c.SegmentID = segmentID.String
	c.LastJobID = lastJobID.String
	c.LastError = lastError.String
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &c.Attachments); err != nil {
			return delivery.Campaign{}, fmt.Errorf("campaign %s: decode attachments: %w", c.ID, err)
		}
	}
	if recipients.Valid {
		if err := json.Unmarshal([]byte(recipients.String), &c.Recipients); err != nil {
			return delivery.Campaign{}, fmt.Errorf("campaign %s: decode recipients: %w", c.ID, err)
		}
	}
	c.LastSentAt = parseTime(lastSentAt.String)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// ---- outcomes ----

func (s *sqliteStore) AppendOutcome(ctx context.Context, o delivery.Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(campaign_id, job_id, recipient, status, err, kind, at)
		 VALUES(?,?,?,?,?,?,?)`,
		o.CampaignID, o.JobID, o.Recipient, string(o.Status),
		nullStr(o.Error), nullStr(o.Kind), o.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListOutcomes(ctx context.Context, campaignID string, f delivery.OutcomeFilter, limit, offset int) ([]delivery.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where := []string{"campaign_id = ?"}
	args := []any{campaignID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, job_id, recipient, status, err, kind, at FROM outcomes
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY seq ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Outcome
	for rows.Next() {
		var (
			o      delivery.Outcome
			status string
			errMsg sql.NullString
			kind   sql.NullString
			at     string
		)
		if err := rows.Scan(&o.CampaignID, &o.JobID, &o.Recipient, &status, &errMsg, &kind, &at); err != nil {
			return nil, err
		}
		o.Status = delivery.OutcomeStatus(status)
		o.Error = errMsg.String
		o.Kind = kind.String
		o.At = parseTime(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- credentials ----

func (s *sqliteStore) PutCredential(ctx context.Context, cred transport.Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(owner_id, token, created_at, last_used_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET token=excluded.token`,
		cred.OwnerID, cred.Token, cred.CreatedAt.Format(time.RFC3339Nano), nullTime(cred.LastUsedAt),
	)
	return err
}

func (s *sqliteStore) Restore(ctx context.Context, ownerID int64) (transport.Credential, error) {
	var (
		cred       transport.Credential
		createdAt  string
		lastUsedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, token, created_at, last_used_at FROM credentials WHERE owner_id = ?`,
		ownerID).Scan(&cred.OwnerID, &cred.Token, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Credential{}, fmt.Errorf("owner %d: %w", ownerID, delivery.ErrNoCredential)
	}
	if err != nil {
		return transport.Credential{}, err
	}
	cred.CreatedAt = parseTime(createdAt)
	cred.LastUsedAt = parseTime(lastUsedAt.String)
	return cred, nil
}

func (s *sqliteStore) TouchUsed(ctx context.Context, ownerID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE owner_id = ?`,
		at.Format(time.RFC3339Nano), ownerID)
	return err
}

// ---- progress sink (TTL'd kv) ----

func (s *sqliteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	until := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress(key, value, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, until=excluded.until`,
		key, value, until,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var (
		value string
		until int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, until FROM progress WHERE key = ?`, key).Scan(&value, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if until < time.Now().UnixMilli() {
		return "", false, nil
	}
	return value, true, nil
}

func (s *sqliteStore) Del(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE until < ?`, now)
	return err
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullJSON(v []transport.Attachment) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullJSONStrings(v []string) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
