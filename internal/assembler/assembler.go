// Package assembler turns a parsed graph into the stored member document.
package assembler

import (
	"strconv"
	"strings"
	"time"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/plotviz"
)

// MemberMeta carries the fields of a member that do not come from the markup.
type MemberMeta struct {
	ID               int
	Name             string
	Description      string
	UploaderID       int64
	CreatedAt        time.Time
	ArtifactID       int64
	SequenceNumber   int
	OriginalFileName string
}

// Stats counts what assembly discarded.
type Stats struct {
	Clusters        int
	Points          int
	Edges           int
	PrunedClusters  int
	DroppedPoints   int
	DroppedEdges    int
	DroppedVertices int
}

type Result struct {
	Member     *models.Member
	Descriptor models.MemberDescriptor
	Stats      Stats
}

// Assemble builds the member document for g.
//
// A point is kept only when its cluster key names a declared cluster, and a
// cluster is kept only when at least one point is kept for it. Clusters keep
// declaration order; a repeated key takes the last declaration at the first
// position. Edge vertices resolve against kept point keys, edges with no
// resolved vertex are dropped, and the edge list is nil when nothing survives.
func Assemble(g *plotviz.Graph, meta MemberMeta) Result {
	var st Stats

	order := make([]int, 0, len(g.Clusters))
	declared := make(map[int]plotviz.Cluster, len(g.Clusters))
	for _, c := range g.Clusters {
		if _, dup := declared[c.Key]; !dup {
			order = append(order, c.Key)
		}
		declared[c.Key] = c
	}

	grouped := make(map[int][]int, len(declared))
	kept := make(map[int]struct{}, len(g.Points))
	points := make([]models.Point, 0, len(g.Points))
	for _, p := range g.Points {
		if _, ok := declared[p.ClusterKey]; !ok {
			st.DroppedPoints++
			continue
		}
		grouped[p.ClusterKey] = append(grouped[p.ClusterKey], p.Key)
		kept[p.Key] = struct{}{}
		points = append(points, models.Point{
			Key:     p.Key,
			Cluster: p.ClusterKey,
			Value:   [3]float64{p.Location.X, p.Location.Y, p.Location.Z},
		})
	}

	clusters := make([]models.Cluster, 0, len(order))
	for _, key := range order {
		keys := grouped[key]
		if len(keys) == 0 {
			st.PrunedClusters++
			continue
		}
		c := declared[key]
		clusters = append(clusters, models.Cluster{
			Key:     c.Key,
			Label:   c.Label,
			Shape:   c.Shape,
			Visible: c.Visible,
			Size:    c.Size,
			Color:   models.Color{A: c.Color.A, R: c.Color.R, G: c.Color.G, B: c.Color.B},
			Points:  keys,
		})
	}

	var edges []models.Edge
	for _, e := range g.Edges {
		vertices := make([]int, 0, len(e.Vertices))
		for _, v := range e.Vertices {
			key, err := strconv.Atoi(strings.TrimSpace(v.Key))
			if err != nil {
				st.DroppedVertices++
				continue
			}
			if _, ok := kept[key]; !ok {
				st.DroppedVertices++
				continue
			}
			vertices = append(vertices, key)
		}
		if len(vertices) == 0 {
			st.DroppedEdges++
			continue
		}
		edges = append(edges, models.Edge{ID: e.Key, Vertices: vertices})
	}

	st.Clusters = len(clusters)
	st.Points = len(points)
	st.Edges = len(edges)

	m := &models.Member{
		ID:               meta.ID,
		Name:             meta.Name,
		Description:      meta.Description,
		UploaderID:       meta.UploaderID,
		CreatedAt:        models.FormatTimestamp(meta.CreatedAt),
		OriginalFileName: meta.OriginalFileName,
		ArtifactID:       meta.ArtifactID,
		SequenceNumber:   meta.SequenceNumber,
		Clusters:         clusters,
		Points:           points,
		Edges:            edges,
	}
	return Result{Member: m, Descriptor: m.Descriptor(), Stats: st}
}
