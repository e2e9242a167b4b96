package models

// Member is the materialized document for one parsed file of an artifact.
// It is written once and never updated.
type Member struct {
	ID               int       `json:"id" bson:"id"`
	Name             string    `json:"name" bson:"name"`
	Description      string    `json:"description" bson:"description"`
	UploaderID       int64     `json:"uploaderId" bson:"uploaderId"`
	CreatedAt        string    `json:"createdAt" bson:"createdAt"`
	OriginalFileName string    `json:"originalFileName" bson:"originalFileName"`
	ArtifactID       int64     `json:"artifactId" bson:"artifactId"`
	SequenceNumber   int       `json:"sequenceNumber" bson:"sequenceNumber"`
	Clusters         []Cluster `json:"clusters" bson:"clusters"`
	Points           []Point   `json:"points" bson:"points"`
	Edges            []Edge    `json:"edges,omitempty" bson:"edges,omitempty"`
}

// Descriptor returns the manifest entry for m.
func (m *Member) Descriptor() MemberDescriptor {
	return MemberDescriptor{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		CreatedAt:        m.CreatedAt,
		UploaderID:       m.UploaderID,
		ArtifactID:       m.ArtifactID,
		SequenceNumber:   m.SequenceNumber,
		OriginalFileName: m.OriginalFileName,
	}
}

// Cluster is a styled group of points. Points is never empty in a stored
// member.
type Cluster struct {
	Key     int    `json:"clusterid" bson:"clusterid"`
	Label   string `json:"label" bson:"label"`
	Shape   string `json:"shape" bson:"shape"`
	Visible int    `json:"visible" bson:"visible"`
	Size    int    `json:"size" bson:"size"`
	Color   Color  `json:"color" bson:"color"`
	Points  []int  `json:"points" bson:"points"`
}

// Color holds four 8-bit channels.
type Color struct {
	A uint8 `json:"a" bson:"a"`
	R uint8 `json:"r" bson:"r"`
	G uint8 `json:"g" bson:"g"`
	B uint8 `json:"b" bson:"b"`
}

// Point is a 3D coordinate owned by one cluster. Value is [x, y, z].
type Point struct {
	Key     int        `json:"key" bson:"key"`
	Cluster int        `json:"cluster" bson:"cluster"`
	Value   [3]float64 `json:"value" bson:"value"`
}

// Edge connects two or more points by key.
type Edge struct {
	ID       int   `json:"id" bson:"id"`
	Vertices []int `json:"vertices" bson:"vertices"`
}
