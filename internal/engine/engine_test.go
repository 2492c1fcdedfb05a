package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"shoptrack/internal/config"
	"shoptrack/internal/db"
	"shoptrack/internal/domain"
	"shoptrack/internal/engine"
	"shoptrack/internal/migrate"
	"shoptrack/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, config.Default())
}

func newTestEnvWith(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	// Deterministic clock that advances one second per reading, so entry
	// ordering by created_at is stable.
	var tick int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if err := eng.Vocab.Seed(ctx, base.Format(time.RFC3339)); err != nil {
		t.Fatalf("seed vocabulary: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) entries(t *testing.T, assetID int64) []domain.LogEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListLogEntries(env.Ctx, repo.LogEntryFilters{AssetID: assetID})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return entries
}

func (env *testEnv) asset(t *testing.T, id int64) domain.Asset {
	t.Helper()
	a, err := env.Engine.Repo.GetAsset(env.Ctx, id)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	return a
}

func TestCreateAssetLogsInitialStatus(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{
		Label: "Bandsaw", StatusLabel: "Operational", OwnerID: 5, ActorID: 5,
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if a.StatusLabel != "Operational" {
		t.Fatalf("status = %q, want Operational", a.StatusLabel)
	}
	entries := env.entries(t, a.ID)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != domain.KindStatusChange {
		t.Errorf("kind = %q", e.Kind)
	}
	if e.Summary != "Initial status set to Operational" {
		t.Errorf("summary = %q", e.Summary)
	}
	if e.Details != "user #5 created Bandsaw with starting status Operational." {
		t.Errorf("details = %q", e.Details)
	}
	if e.ReportedStatusID == nil || e.ConfirmedStatusID == nil || *e.ReportedStatusID != *e.ConfirmedStatusID {
		t.Errorf("reported/confirmed mismatch: %v %v", e.ReportedStatusID, e.ConfirmedStatusID)
	}
	if a.StatusID == nil || *e.ConfirmedStatusID != *a.StatusID {
		t.Errorf("confirmed status %v does not match asset %v", e.ConfirmedStatusID, a.StatusID)
	}
	if e.UserID != 5 {
		t.Errorf("user_id = %d, want 5", e.UserID)
	}
}

func TestCreateAssetWithoutStatusLogsNothing(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Lathe", OwnerID: 2})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if got := env.entries(t, a.ID); len(got) != 0 {
		t.Fatalf("entries = %d, want 0", len(got))
	}
}

func TestSetStatusNoOpIsSuppressed(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Drill", StatusLabel: "Operational", OwnerID: 2})
	before := env.asset(t, a.ID)

	// same status again: no write, no entry
	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Operational", engine.Transition{UserID: 2}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got := env.entries(t, a.ID); len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	after := env.asset(t, a.ID)
	if after.UpdatedAt != before.UpdatedAt {
		t.Errorf("asset was touched on a no-op transition")
	}

	// absent -> absent: also a no-op
	b, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Planer", OwnerID: 2})
	if _, err := env.Engine.SetAssetStatus(env.Ctx, b.ID, "", engine.Transition{UserID: 2}); err != nil {
		t.Fatalf("clear absent status: %v", err)
	}
	if got := env.entries(t, b.ID); len(got) != 0 {
		t.Fatalf("entries = %d, want 0", len(got))
	}
}

func TestSetStatusTemplates(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Mill", StatusLabel: "Operational", OwnerID: 3})

	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Degraded", engine.Transition{UserID: 3, ActorName: "Sam"}); err != nil {
		t.Fatalf("set degraded: %v", err)
	}
	entries := env.entries(t, a.ID)
	if entries[0].Summary != "Status changed from Operational to Degraded" {
		t.Errorf("summary = %q", entries[0].Summary)
	}
	if entries[0].Details != "Sam updated Mill from Operational to Degraded." {
		t.Errorf("details = %q", entries[0].Details)
	}

	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "", engine.Transition{UserID: 3}); err != nil {
		t.Fatalf("clear status: %v", err)
	}
	entries = env.entries(t, a.ID)
	if entries[0].Summary != "Status cleared from Degraded" {
		t.Errorf("summary = %q", entries[0].Summary)
	}
	if entries[0].ConfirmedStatusID != nil {
		t.Errorf("cleared transition should carry no confirmed status")
	}
	if got := env.asset(t, a.ID); got.StatusID != nil {
		t.Errorf("asset status not cleared")
	}

	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Storage", engine.Transition{UserID: 3}); err != nil {
		t.Fatalf("set from absent: %v", err)
	}
	entries = env.entries(t, a.ID)
	if entries[0].Summary != "Status set to Storage" {
		t.Errorf("summary = %q", entries[0].Summary)
	}
	if entries[0].Details != "user #3 set the status on Mill to Storage." {
		t.Errorf("details = %q", entries[0].Details)
	}
}

func TestReportEscalatesSevere(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Bandsaw", StatusLabel: "Operational", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "broken_nonfuctional", "blade snapped", 7, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !out.Escalated || out.NewStatus != "Out of Service" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Out of Service" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
	entries := env.entries(t, a.ID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	e := entries[0]
	if e.ID != out.LogEntryID {
		t.Errorf("entry id = %d, want %d", e.ID, out.LogEntryID)
	}
	if e.Details != "Member Report (user #7): blade snapped" {
		t.Errorf("details = %q", e.Details)
	}
	if e.UserID != 7 {
		t.Errorf("user_id = %d, want 7", e.UserID)
	}
}

func TestReportDeclinedWritesInspection(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Sander", StatusLabel: "Out of Service", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "damaged_functional", "still limping", 9, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if out.Escalated {
		t.Fatalf("report against worse current status must not escalate")
	}
	if out.NewStatus != "Out of Service" {
		t.Errorf("new status = %q", out.NewStatus)
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Out of Service" {
		t.Fatalf("asset status changed to %q", got.StatusLabel)
	}
	entries := env.entries(t, a.ID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	e := entries[0]
	if e.Kind != domain.KindInspection {
		t.Errorf("kind = %q", e.Kind)
	}
	if e.Summary != "Member issue report (damaged_functional)" {
		t.Errorf("summary = %q", e.Summary)
	}
	// reported carries the declined candidate, confirmed the unchanged truth
	degraded, err := env.Engine.Vocab.Lookup(env.Ctx, "Degraded")
	if err != nil {
		t.Fatal(err)
	}
	if e.ReportedStatusID == nil || *e.ReportedStatusID != degraded.ID {
		t.Errorf("reported = %v, want Degraded", e.ReportedStatusID)
	}
	cur := env.asset(t, a.ID)
	if e.ConfirmedStatusID == nil || cur.StatusID == nil || *e.ConfirmedStatusID != *cur.StatusID {
		t.Errorf("confirmed = %v, want current %v", e.ConfirmedStatusID, cur.StatusID)
	}
}

func TestReportUnknownClassificationDefaultsModerate(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Router", StatusLabel: "Operational", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "mystery_issue", "acting weird", 4, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !out.Escalated || out.NewStatus != "Degraded" {
		t.Fatalf("outcome = %+v, want escalation to Degraded", out)
	}
}

func TestReportEqualRankDeclined(t *testing.T) {
	env := newTestEnv(t)
	// Setup / Training Only and Degraded share rank 1
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "CNC", StatusLabel: "Setup / Training Only", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "parts_missing", "missing collet", 4, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if out.Escalated {
		t.Fatalf("equal rank must not escalate")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Setup / Training Only" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
}

func TestReportUnrankedTargetRefused(t *testing.T) {
	cfg := config.Default()
	cfg.Vocabulary.Terms = append(cfg.Vocabulary.Terms, config.SeedTerm{Label: "Needs Review"})
	cfg.Escalation.ModerateStatus = "Needs Review"
	env := newTestEnvWith(t, cfg)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Press", StatusLabel: "Operational", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "damaged_functional", "squeaks", 4, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if out.Escalated {
		t.Fatalf("unranked target must never be trusted to override")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Operational" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
	entries := env.entries(t, a.ID)
	if entries[0].Kind != domain.KindInspection {
		t.Errorf("kind = %q", entries[0].Kind)
	}
}

func TestReportAgainstStatuslessAssetEscalates(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Welder", OwnerID: 2})

	out, err := env.Engine.ReportIssue(env.Ctx, a.ID, "tool_missing", "gone", 4, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !out.Escalated || out.NewStatus != "Out of Service" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestLogEntryConfirmedStatusPropagates(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Jointer", StatusLabel: "Operational", OwnerID: 2})

	entry, outcome, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "Blade guard loose", ConfirmedStatusLabel: "Degraded", UserID: 6,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if !outcome.Propagated {
		t.Fatalf("latest entry with confirmed status must propagate")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Degraded" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
	// the driving entry is the authoritative record: no extra entry
	entries := env.entries(t, a.ID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (initial + maintenance)", len(entries))
	}
	if entries[0].ID != entry.ID {
		t.Errorf("latest entry is %d, want %d", entries[0].ID, entry.ID)
	}
}

func TestEntryWithoutConfirmedLeavesAsset(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Grinder", StatusLabel: "Operational", OwnerID: 2})

	_, outcome, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "Cleaned and oiled", UserID: 6,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if outcome.Propagated {
		t.Fatalf("entry without confirmed status must not touch the asset")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Operational" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
}

func TestOlderEntryEditDoesNotPropagate(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Kiln", OwnerID: 2})

	first, _, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "Initial inspection", ConfirmedStatusLabel: "Degraded", UserID: 6,
	})
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "Note only", UserID: 6,
	})
	if err != nil {
		t.Fatal(err)
	}

	oos := "Out of Service"
	_, outcome, err := env.Engine.UpdateLogEntry(env.Ctx, engine.LogEntryUpdateOptions{
		ID: first.ID, ConfirmedStatusLabel: &oos,
	})
	if err != nil {
		t.Fatalf("update older entry: %v", err)
	}
	if outcome.Propagated {
		t.Fatalf("an entry that is no longer the latest must not drive status")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Degraded" {
		t.Fatalf("asset status = %q, want Degraded", got.StatusLabel)
	}

	// editing the latest entry does propagate
	_, outcome, err = env.Engine.UpdateLogEntry(env.Ctx, engine.LogEntryUpdateOptions{
		ID: second.ID, ConfirmedStatusLabel: &oos,
	})
	if err != nil {
		t.Fatalf("update latest entry: %v", err)
	}
	if !outcome.Propagated {
		t.Fatalf("latest entry edit must propagate")
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Out of Service" {
		t.Fatalf("asset status = %q", got.StatusLabel)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Vac", OwnerID: 2})
	entry, _, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "Motor check", ConfirmedStatusLabel: "Storage", UserID: 6,
	})
	if err != nil {
		t.Fatal(err)
	}
	before := env.entries(t, a.ID)

	outcome, err := env.Engine.SyncFromEntry(env.Ctx, entry, false)
	if err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	if outcome.Propagated {
		t.Fatalf("re-sync of an already-applied entry must be a no-op")
	}
	after := env.entries(t, a.ID)
	if len(after) != len(before) {
		t.Fatalf("entries grew from %d to %d on re-sync", len(before), len(after))
	}
}

func TestStatusChangeSurvivesLogWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Compressor", StatusLabel: "Operational", OwnerID: 2})
	if err != nil {
		t.Fatal(err)
	}
	// Break the secondary write: the descriptive entry is best-effort, so a
	// failure there must not surface or roll back the committed status.
	if _, err := env.Engine.DB.Exec(`DROP TABLE log_entries`); err != nil {
		t.Fatalf("drop log_entries: %v", err)
	}
	updated, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Degraded", engine.Transition{UserID: 2})
	if err != nil {
		t.Fatalf("status change must not fail when logging does: %v", err)
	}
	if updated.StatusLabel != "Degraded" {
		t.Fatalf("returned status = %q", updated.StatusLabel)
	}
	if got := env.asset(t, a.ID); got.StatusLabel != "Degraded" {
		t.Fatalf("persisted status = %q, want Degraded", got.StatusLabel)
	}
}

func TestUpdateLogEntryKeepsCreatedAt(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "Saw", OwnerID: 2})
	entry, _, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{
		AssetID: a.ID, Summary: "First pass", UserID: 6,
	})
	if err != nil {
		t.Fatal(err)
	}
	summary := "Second pass"
	updated, _, err := env.Engine.UpdateLogEntry(env.Ctx, engine.LogEntryUpdateOptions{ID: entry.ID, Summary: &summary})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, err := env.Engine.Repo.GetLogEntry(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CreatedAt != entry.CreatedAt {
		t.Errorf("created_at changed: %q -> %q", entry.CreatedAt, stored.CreatedAt)
	}
	if stored.UpdatedAt == entry.UpdatedAt {
		t.Errorf("updated_at did not advance")
	}
	if updated.Summary != "Second pass" || stored.Summary != "Second pass" {
		t.Errorf("summary = %q / %q", updated.Summary, stored.Summary)
	}
}

func TestActorFallbackChain(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.CurrentUser = func(ctx context.Context) int64 {
		if v, ok := ctx.Value(sessionKey{}).(int64); ok {
			return v
		}
		return 0
	}

	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "A", StatusLabel: "Operational", OwnerID: 42})

	// explicit wins over session
	sessCtx := context.WithValue(env.Ctx, sessionKey{}, int64(8))
	if _, err := env.Engine.SetAssetStatus(sessCtx, a.ID, "Degraded", engine.Transition{UserID: 3}); err != nil {
		t.Fatal(err)
	}
	if e := env.entries(t, a.ID)[0]; e.UserID != 3 {
		t.Errorf("explicit actor: user_id = %d, want 3", e.UserID)
	}

	// session when no explicit actor
	if _, err := env.Engine.SetAssetStatus(sessCtx, a.ID, "Storage", engine.Transition{}); err != nil {
		t.Fatal(err)
	}
	if e := env.entries(t, a.ID)[0]; e.UserID != 8 {
		t.Errorf("session actor: user_id = %d, want 8", e.UserID)
	}

	// owner when anonymous
	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Operational", engine.Transition{}); err != nil {
		t.Fatal(err)
	}
	if e := env.entries(t, a.ID)[0]; e.UserID != 42 {
		t.Errorf("owner fallback: user_id = %d, want 42", e.UserID)
	}

	// bootstrap account when nothing else resolves
	b, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "B", OwnerID: 0})
	if _, err := env.Engine.SetAssetStatus(env.Ctx, b.ID, "Operational", engine.Transition{}); err != nil {
		t.Fatal(err)
	}
	if e := env.entries(t, b.ID)[0]; e.UserID != domain.BootstrapUserID {
		t.Errorf("bootstrap fallback: user_id = %d, want %d", e.UserID, domain.BootstrapUserID)
	}
}

type sessionKey struct{}

func TestUnknownStatusLabelRejected(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "X", OwnerID: 2})
	if _, err := env.Engine.SetAssetStatus(env.Ctx, a.ID, "Bogus", engine.Transition{}); err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("err = %v, want unknown status", err)
	}
	_, _, err := env.Engine.CreateLogEntry(env.Ctx, engine.LogEntryCreateOptions{AssetID: a.ID, Summary: "s", ConfirmedStatusLabel: "Bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("err = %v, want unknown status", err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{Label: "T", StatusLabel: "Operational", OwnerID: 2})
	if _, err := env.Engine.ReportIssue(env.Ctx, a.ID, "broken_nonfuctional", "bang", 7, ""); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestAuditEvents(env.Ctx, 10, 0, "", a.ID)
	if err != nil {
		t.Fatalf("audit events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := map[string]bool{"asset.created": false, "report.escalated": false}
	for _, ty := range types {
		if _, ok := want[ty]; ok {
			want[ty] = true
		}
	}
	for ty, seen := range want {
		if !seen {
			t.Errorf("missing audit event %q in %v", ty, types)
		}
	}
}
