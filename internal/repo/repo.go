package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"shoptrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- status terms ---

func (r Repo) InsertStatusTerm(ctx context.Context, label string, rank *int, createdAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO status_terms(label,rank,created_at) VALUES (?,?,?)`,
		label, nullableIntPtr(rank), createdAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EnsureStatusTerm seeds a vocabulary term, leaving an existing row untouched.
func (r Repo) EnsureStatusTerm(ctx context.Context, label string, rank *int, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO status_terms(label,rank,created_at) VALUES (?,?,?)`,
		label, nullableIntPtr(rank), createdAt)
	return err
}

func scanStatusTerm(row *sql.Row) (domain.StatusTerm, error) {
	var t domain.StatusTerm
	var rank sql.NullInt64
	err := row.Scan(&t.ID, &t.Label, &rank, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if rank.Valid {
		v := int(rank.Int64)
		t.Rank = &v
	}
	return t, err
}

func (r Repo) GetStatusTerm(ctx context.Context, id int64) (domain.StatusTerm, error) {
	return scanStatusTerm(r.DB.QueryRowContext(ctx, `SELECT id,label,rank,created_at FROM status_terms WHERE id=?`, id))
}

func (r Repo) GetStatusTermByLabel(ctx context.Context, label string) (domain.StatusTerm, error) {
	return scanStatusTerm(r.DB.QueryRowContext(ctx, `SELECT id,label,rank,created_at FROM status_terms WHERE label=?`, label))
}

func (r Repo) ListStatusTerms(ctx context.Context) ([]domain.StatusTerm, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,label,rank,created_at FROM status_terms ORDER BY rank IS NULL, rank ASC, label ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTerm
	for rows.Next() {
		var t domain.StatusTerm
		var rank sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Label, &rank, &t.CreatedAt); err != nil {
			return nil, err
		}
		if rank.Valid {
			v := int(rank.Int64)
			t.Rank = &v
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- categories ---

func (r Repo) UpsertCategory(ctx context.Context, c domain.Category) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO categories(name,notify_channel) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET notify_channel=excluded.notify_channel`, c.Name, nullable(c.NotifyChannel))
	return err
}

// EnsureCategory creates the category row if missing, without touching an
// existing channel assignment.
func (r Repo) EnsureCategory(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO categories(name) VALUES (?)`, name)
	return err
}

func (r Repo) GetCategory(ctx context.Context, name string) (domain.Category, error) {
	var c domain.Category
	var channel sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT name,notify_channel FROM categories WHERE name=?`, name).
		Scan(&c.Name, &channel)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if channel.Valid {
		c.NotifyChannel = channel.String
	}
	return c, err
}

// --- assets ---

const assetColumns = `a.id, a.label, a.status_id, COALESCE(t.label,''), a.owner_id, COALESCE(a.category,''), COALESCE(a.notify_channel,''), a.created_at, a.updated_at`

func scanAsset(row *sql.Row) (domain.Asset, error) {
	var a domain.Asset
	var statusID sql.NullInt64
	err := row.Scan(&a.ID, &a.Label, &statusID, &a.StatusLabel, &a.OwnerID, &a.Category, &a.NotifyChannel, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if statusID.Valid {
		a.StatusID = &statusID.Int64
	}
	return a, err
}

func (r Repo) InsertAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO assets(label,status_id,owner_id,category,notify_channel,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.Label, nullableInt64Ptr(a.StatusID), a.OwnerID, nullable(a.Category), nullable(a.NotifyChannel), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAsset(ctx context.Context, id int64) (domain.Asset, error) {
	return scanAsset(r.DB.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets a LEFT JOIN status_terms t ON t.id=a.status_id WHERE a.id=?`, id))
}

type AssetFilters struct {
	StatusLabel string
	Category    string
	Limit       int
}

func (r Repo) ListAssets(ctx context.Context, f AssetFilters) ([]domain.Asset, error) {
	var clauses []string
	var args []any
	if f.StatusLabel != "" {
		clauses = append(clauses, "t.label=?")
		args = append(args, f.StatusLabel)
	}
	if f.Category != "" {
		clauses = append(clauses, "a.category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assetColumns + ` FROM assets a LEFT JOIN status_terms t ON t.id=a.status_id ` + where + ` ORDER BY a.label ASC, a.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		var a domain.Asset
		var statusID sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Label, &statusID, &a.StatusLabel, &a.OwnerID, &a.Category, &a.NotifyChannel, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if statusID.Valid {
			a.StatusID = &statusID.Int64
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAssetStatus writes the materialized current-status field. It is the
// only asset mutation the engine performs after creation.
func (r Repo) UpdateAssetStatus(ctx context.Context, tx *sql.Tx, id int64, statusID *int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assets SET status_id=?, updated_at=? WHERE id=?`,
		nullableInt64Ptr(statusID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssetRouting is one row of the notification routing audit.
type AssetRouting struct {
	AssetID int64
	Label   string
	Channel string
	Source  string
}

// ListAssetRouting resolves the notify channel for every asset: the asset's
// own channel first, then its category's channel.
func (r Repo) ListAssetRouting(ctx context.Context) ([]AssetRouting, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.id, a.label,
       COALESCE(NULLIF(TRIM(a.notify_channel),''), NULLIF(TRIM(c.notify_channel),''), ''),
       CASE
         WHEN NULLIF(TRIM(a.notify_channel),'') IS NOT NULL THEN 'asset'
         WHEN NULLIF(TRIM(c.notify_channel),'') IS NOT NULL THEN 'category'
         ELSE ''
       END
FROM assets a
LEFT JOIN categories c ON c.name=a.category
ORDER BY a.label ASC, a.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AssetRouting
	for rows.Next() {
		var ar AssetRouting
		if err := rows.Scan(&ar.AssetID, &ar.Label, &ar.Channel, &ar.Source); err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}

// --- log entries ---

func scanLogEntry(row *sql.Row) (domain.LogEntry, error) {
	var e domain.LogEntry
	var details sql.NullString
	var reported, confirmed sql.NullInt64
	err := row.Scan(&e.ID, &e.AssetID, &e.Kind, &e.Summary, &details, &reported, &confirmed, &e.UserID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if details.Valid {
		e.Details = details.String
	}
	if reported.Valid {
		e.ReportedStatusID = &reported.Int64
	}
	if confirmed.Valid {
		e.ConfirmedStatusID = &confirmed.Int64
	}
	return e, err
}

func (r Repo) InsertLogEntry(ctx context.Context, e domain.LogEntry) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO log_entries(asset_id,kind,summary,details,reported_status_id,confirmed_status_id,user_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.AssetID, e.Kind, e.Summary, nullable(e.Details), nullableInt64Ptr(e.ReportedStatusID), nullableInt64Ptr(e.ConfirmedStatusID),
		e.UserID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertLogEntryTx(ctx context.Context, tx *sql.Tx, e domain.LogEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO log_entries(asset_id,kind,summary,details,reported_status_id,confirmed_status_id,user_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.AssetID, e.Kind, e.Summary, nullable(e.Details), nullableInt64Ptr(e.ReportedStatusID), nullableInt64Ptr(e.ConfirmedStatusID),
		e.UserID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetLogEntry(ctx context.Context, id int64) (domain.LogEntry, error) {
	return scanLogEntry(r.DB.QueryRowContext(ctx,
		`SELECT id,asset_id,kind,summary,details,reported_status_id,confirmed_status_id,user_id,created_at,updated_at FROM log_entries WHERE id=?`, id))
}

// UpdateLogEntry rewrites the mutable fields of an entry. created_at is
// deliberately not part of the statement.
func (r Repo) UpdateLogEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE log_entries SET kind=?, summary=?, details=?, reported_status_id=?, confirmed_status_id=?, updated_at=? WHERE id=?`,
		e.Kind, e.Summary, nullable(e.Details), nullableInt64Ptr(e.ReportedStatusID), nullableInt64Ptr(e.ConfirmedStatusID), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestLogEntry returns the most recent entry for an asset, ordered by
// creation time with the higher id winning ties.
func (r Repo) LatestLogEntry(ctx context.Context, assetID int64) (domain.LogEntry, error) {
	return scanLogEntry(r.DB.QueryRowContext(ctx,
		`SELECT id,asset_id,kind,summary,details,reported_status_id,confirmed_status_id,user_id,created_at,updated_at
FROM log_entries WHERE asset_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, assetID))
}

type LogEntryFilters struct {
	AssetID         int64
	Kind            string
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListLogEntries(ctx context.Context, f LogEntryFilters) ([]domain.LogEntry, error) {
	var clauses []string
	var args []any
	if f.AssetID != 0 {
		clauses = append(clauses, "asset_id=?")
		args = append(args, f.AssetID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorCreatedAt != "" && f.CursorID != 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,asset_id,kind,summary,details,reported_status_id,confirmed_status_id,user_id,created_at,updated_at FROM log_entries ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var details sql.NullString
		var reported, confirmed sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AssetID, &e.Kind, &e.Summary, &details, &reported, &confirmed, &e.UserID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if details.Valid {
			e.Details = details.String
		}
		if reported.Valid {
			e.ReportedStatusID = &reported.Int64
		}
		if confirmed.Valid {
			e.ConfirmedStatusID = &confirmed.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountLogEntries(ctx context.Context, assetID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM log_entries WHERE asset_id=?`, assetID).Scan(&n)
	return n, err
}

// --- audit events ---

func (r Repo) LatestAuditEvents(ctx context.Context, limit int, cursor int64, evtType string, assetID int64) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if assetID != 0 {
		clauses = append(clauses, "asset_id=?")
		args = append(args, assetID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,asset_id,actor_id,payload_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var assetID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &assetID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if assetID.Valid {
			e.AssetID = &assetID.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
