package models

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

var recordValidator = validator.New(validator.WithRequiredStructEnabled())

// ArtifactRecord is the relational row backing an Artifact. The full document
// lives in Document; the scalar columns exist for filtering and ordering.
type ArtifactRecord struct {
	ID        int64          `gorm:"primaryKey;autoIncrement:false"`
	Group     string         `gorm:"column:group_name;type:varchar(255);index;not null;default:''"`
	Status    string         `gorm:"type:varchar(16);index;not null" validate:"required,oneof=pending active partial failed"`
	Version   int            `gorm:"not null;default:1" validate:"min=1"`
	Document  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"index"`
	UpdatedAt time.Time
}

func (ArtifactRecord) TableName() string { return "artifacts" }

// MemberRecord is the relational row backing a Member, keyed by
// (artifact_id, member_id).
type MemberRecord struct {
	ArtifactID int64          `gorm:"primaryKey;autoIncrement:false"`
	MemberID   int            `gorm:"primaryKey;autoIncrement:false"`
	Sequence   int            `gorm:"not null"`
	Document   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
}

func (MemberRecord) TableName() string { return "members" }

// NewArtifactRecord encodes a into its row form. Unknown statuses and
// versions below 1 are rejected.
func NewArtifactRecord(a *Artifact) (*ArtifactRecord, error) {
	doc, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	rec := &ArtifactRecord{
		ID:       a.ID,
		Group:    a.Group,
		Status:   string(a.Status),
		Version:  a.Version,
		Document: datatypes.JSON(doc),
	}
	if err := recordValidator.Struct(rec); err != nil {
		return nil, err
	}
	if t, err := ParseTimestamp(a.CreatedAt); err == nil {
		rec.CreatedAt = t
	}
	return rec, nil
}

// Artifact decodes the stored document.
func (r *ArtifactRecord) Artifact() (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(r.Document, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// NewMemberRecord encodes m into its row form.
func NewMemberRecord(m *Member) (*MemberRecord, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &MemberRecord{
		ArtifactID: m.ArtifactID,
		MemberID:   m.ID,
		Sequence:   m.SequenceNumber,
		Document:   datatypes.JSON(doc),
	}, nil
}

// Member decodes the stored document.
func (r *MemberRecord) Member() (*Member, error) {
	var m Member
	if err := json.Unmarshal(r.Document, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
