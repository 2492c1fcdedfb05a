package domain

// Log entry kinds the engine knows about. Additional kinds may be defined
// externally; these are the ones the synchronization rules produce.
const (
	KindStatusChange = "status_change"
	KindMaintenance  = "maintenance"
	KindInspection   = "inspection"
)

// BootstrapUserID is the reserved fallback identity credited with an action
// when no explicit, session, or owner identity is available.
const BootstrapUserID int64 = 1

type StatusTerm struct {
	ID        int64  `json:"id"`
	Label     string `json:"label"`
	Rank      *int   `json:"rank,omitempty"`
	Usable    bool   `json:"usable"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Asset struct {
	ID            int64  `json:"id"`
	Label         string `json:"label"`
	StatusID      *int64 `json:"status_id,omitempty"`
	StatusLabel   string `json:"status_label,omitempty"`
	OwnerID       int64  `json:"owner_id"`
	Category      string `json:"category,omitempty"`
	NotifyChannel string `json:"notify_channel,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Category struct {
	Name          string `json:"name"`
	NotifyChannel string `json:"notify_channel,omitempty"`
}

// LogEntry is one historical record in an asset's status log. CreatedAt is
// immutable after the first save; ConfirmedStatusID is the only field the
// sync resolver reads to drive asset state.
type LogEntry struct {
	ID                int64  `json:"id"`
	AssetID           int64  `json:"asset_id"`
	Kind              string `json:"kind"`
	Summary           string `json:"summary"`
	Details           string `json:"details,omitempty"`
	ReportedStatusID  *int64 `json:"reported_status_id,omitempty"`
	ConfirmedStatusID *int64 `json:"confirmed_status_id,omitempty"`
	UserID            int64  `json:"user_id"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type AuditEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	AssetID *int64 `json:"asset_id,omitempty"`
	ActorID int64  `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   int64  `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
