package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("notes: invalid workspace id")
	// ErrInvalidNoteVersion indicates that a version counter value is not usable.
	ErrInvalidNoteVersion = errors.New("notes: invalid note version")
)

func validateIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidNoteID)
	if err != nil {
		return "", err
	}
	return NoteID(value), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(value), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidWorkspaceID)
	if err != nil {
		return "", err
	}
	return WorkspaceID(value), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// NoteVersion represents a validated monotonic version counter value.
type NoteVersion int64

// NewNoteVersion validates the value and returns a NoteVersion.
func NewNoteVersion(value int64) (NoteVersion, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNoteVersion, value)
	}
	return NoteVersion(value), nil
}

// Int64 exposes the raw counter value.
func (v NoteVersion) Int64() int64 {
	return int64(v)
}

// Note models the durable document record. Both the realtime flush path and
// the legacy full-replace path mutate it; the version column increases by
// exactly one on every accepted write from either path.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_notes_workspace"`
	Title            string `gorm:"column:title;type:text;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	ReplicaB64       string `gorm:"column:replica_b64;type:text;not null;default:''"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteVersionEntry captures one immutable entry of the version-history log.
type NoteVersionEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_note_versions_note,priority:1"`
	Version          int64  `gorm:"column:version;not null;index:idx_note_versions_note,priority:2"`
	EditorID         string `gorm:"column:editor_id;size:190;not null"`
	Reason           string `gorm:"column:reason;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteVersionEntry) TableName() string {
	return "note_versions"
}

// WorkspaceMember records membership of a user in a workspace. The sync core
// only reads these rows; member administration is handled elsewhere.
type WorkspaceMember struct {
	WorkspaceID string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// AuditLog captures an append-only audit trail entry. Write-only from this core.
type AuditLog struct {
	LogID            string `gorm:"column:log_id;primaryKey;size:190;not null"`
	Action           string `gorm:"column:action;size:190;not null;index:idx_audit_workspace_time,priority:2"`
	Actor            string `gorm:"column:actor;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_audit_workspace_time,priority:1"`
	Target           string `gorm:"column:target;size:190;not null"`
	TargetType       string `gorm:"column:target_type;size:64;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_audit_workspace_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
