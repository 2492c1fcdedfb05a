package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"shoptrack/internal/audit"
	"shoptrack/internal/config"
	"shoptrack/internal/domain"
	"shoptrack/internal/repo"
	"shoptrack/internal/vocab"
)

// Engine owns the status synchronization rules: it decides when a status
// change produces a log entry, when a log entry drives the asset's current
// status, and how report classifications escalate.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Vocab  vocab.Service
	Audit  audit.Writer
	Config *config.Config
	Log    *slog.Logger

	// CurrentUser returns the authenticated session identity, or 0 when
	// anonymous. Step two of the actor fallback chain.
	CurrentUser func(ctx context.Context) int64

	Now func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Vocab:  vocab.Service{Repo: r, Config: cfg},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Log:    slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Transition carries the context of one status change on an asset.
type Transition struct {
	// Kind overrides the log entry kind; defaults to status_change.
	Kind string
	// Details overrides the generated log entry body.
	Details string
	// UserID is the explicit acting user, if any.
	UserID int64
	// ActorName is the display identity used in generated text.
	ActorName string
	// IsNew marks a transition on a just-created asset.
	IsNew bool
	// SourceEntryID names the log entry whose confirmed status drove this
	// change. When set, the entry itself is the authoritative record and no
	// side-effect entry is written.
	SourceEntryID int64
}

// unspecifiedLabel renders in generated text wherever a status is absent.
const unspecifiedLabel = "Unspecified"

// --- actor resolver ---

// resolveActingUser returns the identity credited with an action: explicit
// context id, then session, then asset owner, then the bootstrap account.
// The chain never fails.
func (e Engine) resolveActingUser(ctx context.Context, explicit int64, asset domain.Asset) int64 {
	if explicit > 0 {
		return explicit
	}
	if e.CurrentUser != nil {
		if uid := e.CurrentUser(ctx); uid > 0 {
			return uid
		}
	}
	if asset.OwnerID > 0 {
		return asset.OwnerID
	}
	return domain.BootstrapUserID
}

func actorDisplay(name string, uid int64) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("user #%d", uid)
}

func statusLabel(t *domain.StatusTerm) string {
	if t == nil {
		return unspecifiedLabel
	}
	return t.Label
}

// --- status change logger ---

// RecordStatusChange reacts to a committed status transition and appends a
// log entry describing it. Persistence here is best-effort: a failure is
// recorded to the operational log and never propagated, because the status
// change itself has already been committed by the caller. Returns the new
// entry id, or 0 when the write was suppressed or failed.
func (e Engine) RecordStatusChange(ctx context.Context, asset domain.Asset, oldStatus, newStatus *domain.StatusTerm, tr Transition) int64 {
	// A change driven by a log entry's confirmed status is already described
	// by that entry; writing another one here would double-log the event.
	if tr.SourceEntryID != 0 {
		return 0
	}
	if tr.IsNew && newStatus == nil {
		// Nothing to log until the asset has an initial status.
		return 0
	}
	if !tr.IsNew && oldStatus != nil && newStatus != nil && oldStatus.ID == newStatus.ID {
		return 0
	}
	if !tr.IsNew && oldStatus == nil && newStatus == nil {
		return 0
	}

	kind := tr.Kind
	if kind == "" {
		kind = domain.KindStatusChange
	}
	uid := e.resolveActingUser(ctx, tr.UserID, asset)
	details := tr.Details
	if details == "" {
		details = e.buildDefaultDetails(asset, oldStatus, newStatus, tr.IsNew, actorDisplay(tr.ActorName, uid))
	}
	now := e.now().UTC().Format(time.RFC3339)
	entry := domain.LogEntry{
		AssetID:   asset.ID,
		Kind:      kind,
		Summary:   buildSummary(tr.IsNew, oldStatus, newStatus),
		Details:   details,
		UserID:    uid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if newStatus != nil {
		entry.ReportedStatusID = &newStatus.ID
		entry.ConfirmedStatusID = &newStatus.ID
	}

	id, err := e.Repo.InsertLogEntry(ctx, entry)
	if err != nil {
		e.logger().Error("failed to record asset status change",
			"asset_id", asset.ID, "error", err)
		return 0
	}
	return id
}

func buildSummary(isNew bool, oldStatus, newStatus *domain.StatusTerm) string {
	switch {
	case isNew:
		return fmt.Sprintf("Initial status set to %s", statusLabel(newStatus))
	case oldStatus != nil && newStatus != nil:
		return fmt.Sprintf("Status changed from %s to %s", statusLabel(oldStatus), statusLabel(newStatus))
	case oldStatus != nil:
		return fmt.Sprintf("Status cleared from %s", statusLabel(oldStatus))
	default:
		return fmt.Sprintf("Status set to %s", statusLabel(newStatus))
	}
}

func (e Engine) buildDefaultDetails(asset domain.Asset, oldStatus, newStatus *domain.StatusTerm, isNew bool, user string) string {
	switch {
	case isNew:
		return fmt.Sprintf("%s created %s with starting status %s.", user, asset.Label, statusLabel(newStatus))
	case oldStatus != nil && newStatus != nil:
		return fmt.Sprintf("%s updated %s from %s to %s.", user, asset.Label, statusLabel(oldStatus), statusLabel(newStatus))
	case oldStatus != nil:
		return fmt.Sprintf("%s cleared the status on %s (was %s).", user, asset.Label, statusLabel(oldStatus))
	default:
		return fmt.Sprintf("%s set the status on %s to %s.", user, asset.Label, statusLabel(newStatus))
	}
}

// --- asset operations ---

type AssetCreateOptions struct {
	Label         string
	StatusLabel   string
	OwnerID       int64
	Category      string
	NotifyChannel string
	ActorID       int64
	ActorName     string
}

func (e Engine) CreateAsset(ctx context.Context, opts AssetCreateOptions) (domain.Asset, error) {
	if strings.TrimSpace(opts.Label) == "" {
		return domain.Asset{}, errors.New("label is required")
	}
	var initial *domain.StatusTerm
	if opts.StatusLabel != "" {
		t, err := e.Vocab.Lookup(ctx, opts.StatusLabel)
		if err != nil {
			return domain.Asset{}, fmt.Errorf("unknown status %q", opts.StatusLabel)
		}
		initial = &t
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Asset{
		Label:         opts.Label,
		OwnerID:       opts.OwnerID,
		Category:      opts.Category,
		NotifyChannel: opts.NotifyChannel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if initial != nil {
		a.StatusID = &initial.ID
		a.StatusLabel = initial.Label
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Asset{}, err
	}
	defer tx.Rollback()
	if a.Category != "" {
		if err := e.Repo.EnsureCategory(ctx, tx, a.Category); err != nil {
			return domain.Asset{}, err
		}
	}
	id, err := e.Repo.InsertAsset(ctx, tx, a)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	a.ID = id
	actorID := e.resolveActingUser(ctx, opts.ActorID, a)
	if err := e.Audit.Append(ctx, tx, "asset.created", a.ID, actorID, audit.EventPayload{"label": a.Label, "status": a.StatusLabel}); err != nil {
		return domain.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Asset{}, err
	}
	e.RecordStatusChange(ctx, a, nil, initial, Transition{IsNew: true, UserID: opts.ActorID, ActorName: opts.ActorName})
	return a, nil
}

// SetAssetStatus writes the asset's current-status field and logs the
// transition. An empty label clears the status.
func (e Engine) SetAssetStatus(ctx context.Context, assetID int64, label string, tr Transition) (domain.Asset, error) {
	asset, err := e.Repo.GetAsset(ctx, assetID)
	if err != nil {
		return domain.Asset{}, err
	}
	var newStatus *domain.StatusTerm
	if label != "" {
		t, err := e.Vocab.Lookup(ctx, label)
		if err != nil {
			return asset, fmt.Errorf("unknown status %q", label)
		}
		newStatus = &t
	}
	updated, _, err := e.applyStatus(ctx, asset, newStatus, tr, "asset.status_changed")
	return updated, err
}

// applyStatus is the single writer of the asset's current-status field. The
// update and its audit event are committed first; the descriptive log entry
// is written afterwards, best-effort, so a logging failure cannot roll back
// the state change.
func (e Engine) applyStatus(ctx context.Context, asset domain.Asset, newStatus *domain.StatusTerm, tr Transition, auditType string) (domain.Asset, int64, error) {
	var oldStatus *domain.StatusTerm
	if asset.StatusID != nil {
		t, err := e.Vocab.Get(ctx, *asset.StatusID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return asset, 0, err
		}
		if err == nil {
			oldStatus = &t
		}
	}
	if oldStatus == nil && newStatus == nil {
		return asset, 0, nil
	}
	if oldStatus != nil && newStatus != nil && oldStatus.ID == newStatus.ID {
		return asset, 0, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	var statusID *int64
	if newStatus != nil {
		statusID = &newStatus.ID
	}
	actorID := e.resolveActingUser(ctx, tr.UserID, asset)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return asset, 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssetStatus(ctx, tx, asset.ID, statusID, now); err != nil {
		return asset, 0, fmt.Errorf("update asset status: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, auditType, asset.ID, actorID, audit.EventPayload{
		"from": statusLabel(oldStatus),
		"to":   statusLabel(newStatus),
	}); err != nil {
		return asset, 0, err
	}
	if err := tx.Commit(); err != nil {
		return asset, 0, err
	}

	entryID := e.RecordStatusChange(ctx, asset, oldStatus, newStatus, tr)

	asset.StatusID = statusID
	asset.StatusLabel = ""
	if newStatus != nil {
		asset.StatusLabel = newStatus.Label
	}
	asset.UpdatedAt = now
	return asset, entryID, nil
}

// --- escalation policy ---

// ReportOutcome is the result of ingesting a member report.
type ReportOutcome struct {
	Escalated  bool   `json:"escalated"`
	NewStatus  string `json:"new_status,omitempty"`
	LogEntryID int64  `json:"log_entry_id,omitempty"`
}

// classifyReport maps a report classification to a candidate status label.
// Values outside both configured lists default to the moderate label.
func (e Engine) classifyReport(classification string) string {
	esc := e.Config.Escalation
	for _, v := range esc.SevereList() {
		if v == classification {
			return esc.SevereStatus
		}
	}
	for _, v := range esc.ModerateList() {
		if v == classification {
			return esc.ModerateStatus
		}
	}
	return esc.ModerateStatus
}

// shouldEscalate returns true when the requested status is strictly worse
// than the current one. Unranked targets are never trusted to override; an
// absent or unranked current status ranks below any known rank.
func (e Engine) shouldEscalate(ctx context.Context, current, requested string) bool {
	requestedRank, ok := e.Vocab.Rank(ctx, requested)
	if !ok {
		return false
	}
	currentRank := math.MinInt
	if current != "" {
		if r, ok := e.Vocab.Rank(ctx, current); ok {
			currentRank = r
		}
	}
	return requestedRank > currentRank
}

// ReportIssue ingests a member report: it maps the classification to a
// candidate status and either escalates the asset's current status (which
// logs the transition) or records a standalone inspection entry without
// changing asset state.
func (e Engine) ReportIssue(ctx context.Context, assetID int64, classification, description string, reporterID int64, reporterName string) (ReportOutcome, error) {
	asset, err := e.Repo.GetAsset(ctx, assetID)
	if err != nil {
		return ReportOutcome{}, err
	}
	candidate := e.classifyReport(classification)
	logMessage := fmt.Sprintf("Member Report (%s): %s", actorDisplay(reporterName, e.resolveActingUser(ctx, reporterID, asset)), description)

	term, lookupErr := e.Vocab.Lookup(ctx, candidate)
	if lookupErr != nil && !errors.Is(lookupErr, repo.ErrNotFound) {
		return ReportOutcome{}, lookupErr
	}
	if lookupErr == nil && e.shouldEscalate(ctx, asset.StatusLabel, candidate) {
		_, entryID, err := e.applyStatus(ctx, asset, &term, Transition{
			Details:   logMessage,
			UserID:    reporterID,
			ActorName: reporterName,
		}, "report.escalated")
		if err != nil {
			return ReportOutcome{}, err
		}
		return ReportOutcome{Escalated: true, NewStatus: candidate, LogEntryID: entryID}, nil
	}

	// Declined: record the report without touching asset state.
	now := e.now().UTC().Format(time.RFC3339)
	entry := domain.LogEntry{
		AssetID:           asset.ID,
		Kind:              domain.KindInspection,
		Summary:           fmt.Sprintf("Member issue report (%s)", classification),
		Details:           logMessage,
		ConfirmedStatusID: asset.StatusID,
		UserID:            e.resolveActingUser(ctx, reporterID, asset),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if lookupErr == nil {
		entry.ReportedStatusID = &term.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReportOutcome{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertLogEntryTx(ctx, tx, entry)
	if err != nil {
		return ReportOutcome{}, fmt.Errorf("insert inspection entry: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "report.received", asset.ID, entry.UserID, audit.EventPayload{
		"classification": classification,
		"candidate":      candidate,
		"escalated":      false,
	}); err != nil {
		return ReportOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReportOutcome{}, err
	}
	return ReportOutcome{Escalated: false, NewStatus: asset.StatusLabel, LogEntryID: id}, nil
}

// --- log entry operations & sync resolver ---

type LogEntryCreateOptions struct {
	AssetID              int64
	Kind                 string
	Summary              string
	Details              string
	ReportedStatusLabel  string
	ConfirmedStatusLabel string
	UserID               int64
	ActorName            string
}

func (e Engine) CreateLogEntry(ctx context.Context, opts LogEntryCreateOptions) (domain.LogEntry, SyncOutcome, error) {
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.LogEntry{}, SyncOutcome{}, errors.New("summary is required")
	}
	asset, err := e.Repo.GetAsset(ctx, opts.AssetID)
	if err != nil {
		return domain.LogEntry{}, SyncOutcome{}, err
	}
	kind := opts.Kind
	if kind == "" {
		kind = domain.KindMaintenance
	}
	now := e.now().UTC().Format(time.RFC3339)
	entry := domain.LogEntry{
		AssetID:   asset.ID,
		Kind:      kind,
		Summary:   opts.Summary,
		Details:   opts.Details,
		UserID:    e.resolveActingUser(ctx, opts.UserID, asset),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ReportedStatusLabel != "" {
		t, err := e.Vocab.Lookup(ctx, opts.ReportedStatusLabel)
		if err != nil {
			return domain.LogEntry{}, SyncOutcome{}, fmt.Errorf("unknown status %q", opts.ReportedStatusLabel)
		}
		entry.ReportedStatusID = &t.ID
	}
	if opts.ConfirmedStatusLabel != "" {
		t, err := e.Vocab.Lookup(ctx, opts.ConfirmedStatusLabel)
		if err != nil {
			return domain.LogEntry{}, SyncOutcome{}, fmt.Errorf("unknown status %q", opts.ConfirmedStatusLabel)
		}
		entry.ConfirmedStatusID = &t.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LogEntry{}, SyncOutcome{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertLogEntryTx(ctx, tx, entry)
	if err != nil {
		return domain.LogEntry{}, SyncOutcome{}, fmt.Errorf("insert log entry: %w", err)
	}
	entry.ID = id
	if err := e.Audit.Append(ctx, tx, "logentry.created", asset.ID, entry.UserID, audit.EventPayload{"kind": entry.Kind, "entry_id": id}); err != nil {
		return domain.LogEntry{}, SyncOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LogEntry{}, SyncOutcome{}, err
	}

	outcome, err := e.SyncFromEntry(ctx, entry, true)
	if err != nil {
		return entry, outcome, err
	}
	return entry, outcome, nil
}

type LogEntryUpdateOptions struct {
	ID                   int64
	Summary              *string
	Details              *string
	Kind                 *string
	ReportedStatusLabel  *string // empty string clears
	ConfirmedStatusLabel *string // empty string clears
	ActorID              int64
}

func (e Engine) UpdateLogEntry(ctx context.Context, opts LogEntryUpdateOptions) (domain.LogEntry, SyncOutcome, error) {
	entry, err := e.Repo.GetLogEntry(ctx, opts.ID)
	if err != nil {
		return entry, SyncOutcome{}, err
	}
	if opts.Summary != nil {
		if strings.TrimSpace(*opts.Summary) == "" {
			return entry, SyncOutcome{}, errors.New("summary cannot be empty")
		}
		entry.Summary = *opts.Summary
	}
	if opts.Details != nil {
		entry.Details = *opts.Details
	}
	if opts.Kind != nil && *opts.Kind != "" {
		entry.Kind = *opts.Kind
	}
	resolve := func(label *string) (*int64, error) {
		if label == nil {
			return nil, errNoChange
		}
		if *label == "" {
			return nil, nil
		}
		t, err := e.Vocab.Lookup(ctx, *label)
		if err != nil {
			return nil, fmt.Errorf("unknown status %q", *label)
		}
		return &t.ID, nil
	}
	if id, err := resolve(opts.ReportedStatusLabel); !errors.Is(err, errNoChange) {
		if err != nil {
			return entry, SyncOutcome{}, err
		}
		entry.ReportedStatusID = id
	}
	if id, err := resolve(opts.ConfirmedStatusLabel); !errors.Is(err, errNoChange) {
		if err != nil {
			return entry, SyncOutcome{}, err
		}
		entry.ConfirmedStatusID = id
	}
	entry.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, SyncOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLogEntry(ctx, tx, entry); err != nil {
		return entry, SyncOutcome{}, fmt.Errorf("update log entry: %w", err)
	}
	actorID := opts.ActorID
	if actorID <= 0 {
		actorID = entry.UserID
	}
	if err := e.Audit.Append(ctx, tx, "logentry.updated", entry.AssetID, actorID, audit.EventPayload{"entry_id": entry.ID}); err != nil {
		return entry, SyncOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return entry, SyncOutcome{}, err
	}

	outcome, err := e.SyncFromEntry(ctx, entry, false)
	return entry, outcome, err
}

var errNoChange = errors.New("no change")

// SyncOutcome reports whether a log entry write propagated onto the asset.
type SyncOutcome struct {
	Propagated bool `json:"propagated"`
}

// SyncFromEntry decides whether a created or edited log entry should drive
// the asset's current status. Only the most recent entry for the asset (by
// creation time, then id) may propagate, and only when it carries a
// confirmed status that differs from the asset's current one.
func (e Engine) SyncFromEntry(ctx context.Context, entry domain.LogEntry, isNew bool) (SyncOutcome, error) {
	// A just-inserted entry is the newest for its asset by construction (ids
	// are monotonic and break created_at ties); only an edit needs the
	// recency check.
	if !isNew {
		latest, err := e.Repo.LatestLogEntry(ctx, entry.AssetID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return SyncOutcome{}, nil
			}
			return SyncOutcome{}, err
		}
		if latest.ID != entry.ID {
			return SyncOutcome{}, nil
		}
	}
	if entry.ConfirmedStatusID == nil {
		// An absent confirmed status leaves the asset untouched, it does not
		// clear it.
		return SyncOutcome{}, nil
	}
	asset, err := e.Repo.GetAsset(ctx, entry.AssetID)
	if err != nil {
		return SyncOutcome{}, err
	}
	if asset.StatusID != nil && *asset.StatusID == *entry.ConfirmedStatusID {
		return SyncOutcome{}, nil
	}
	confirmed, err := e.Vocab.Get(ctx, *entry.ConfirmedStatusID)
	if err != nil {
		return SyncOutcome{}, err
	}
	_, _, err = e.applyStatus(ctx, asset, &confirmed, Transition{
		UserID:        entry.UserID,
		SourceEntryID: entry.ID,
	}, "status.synced")
	if err != nil {
		return SyncOutcome{}, err
	}
	return SyncOutcome{Propagated: true}, nil
}
