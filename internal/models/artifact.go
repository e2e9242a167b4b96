package models

import (
	"time"
)

// TimestampLayout is the textual layout used for createdAt fields in stored
// documents. Readers parse it back with ParseTimestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// Status is the lifecycle state of an Artifact.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Terminal reports whether ingestion for the artifact has finished.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusPartial || s == StatusFailed
}

// Artifact types recorded on upload.
const (
	TypePlotviz    = "plotviz"
	TypeTimeSeries = "timeseries"
)

// Artifact is a top-level uploaded dataset. The manifest holds one
// descriptor per materialized member, ordered by sequence number.
type Artifact struct {
	ID          int64              `json:"id" bson:"id"`
	Name        string             `json:"name" bson:"name"`
	Description string             `json:"description" bson:"description"`
	UploaderID  int64              `json:"uploaderId" bson:"uploaderId"`
	CreatedAt   string             `json:"createdAt" bson:"createdAt"`
	Status      Status             `json:"status" bson:"status"`
	Group       string             `json:"group" bson:"group"`
	Type        string             `json:"type" bson:"type"`
	Version     int                `json:"version" bson:"version"`
	Checksum    string             `json:"checksum,omitempty" bson:"checksum,omitempty"`
	Manifest    []MemberDescriptor `json:"manifest" bson:"manifest"`
	Errors      []MemberError      `json:"errors,omitempty" bson:"errors,omitempty"`
}

// MemberDescriptor is the lightweight manifest entry for one member.
type MemberDescriptor struct {
	ID               int    `json:"id" bson:"id"`
	Name             string `json:"name" bson:"name"`
	Description      string `json:"description" bson:"description"`
	CreatedAt        string `json:"createdAt" bson:"createdAt"`
	UploaderID       int64  `json:"uploaderId" bson:"uploaderId"`
	ArtifactID       int64  `json:"artifactId" bson:"artifactId"`
	SequenceNumber   int    `json:"sequenceNumber" bson:"sequenceNumber"`
	OriginalFileName string `json:"originalFileName" bson:"originalFileName"`
}

// BundleSequence marks a MemberError that applies to the whole bundle rather
// than one entry.
const BundleSequence = -1

// MemberError records why a member was not materialized.
type MemberError struct {
	SequenceNumber int    `json:"sequenceNumber" bson:"sequenceNumber"`
	FileName       string `json:"fileName,omitempty" bson:"fileName,omitempty"`
	Kind           string `json:"kind" bson:"kind"`
	Message        string `json:"message" bson:"message"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a stored createdAt value.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}
