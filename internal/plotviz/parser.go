// Package plotviz decodes the PlotViz cluster/point/edge markup.
package plotviz

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/plotviz/engine/pkg/errors"
)

// DefaultMaxPoints caps the number of points accepted from one document.
const DefaultMaxPoints = 250000

// Graph is the decoded content of one document. No cross references are
// checked here.
type Graph struct {
	Clusters []Cluster
	Points   []Point
	Edges    []Edge
}

type Cluster struct {
	Key     int    `xml:"key"`
	Label   string `xml:"label"`
	Visible int    `xml:"visible"`
	Color   Color  `xml:"color"`
	Size    int    `xml:"size"`
	Shape   string `xml:"shape"`
}

type Color struct {
	R uint8 `xml:"r,attr"`
	G uint8 `xml:"g,attr"`
	B uint8 `xml:"b,attr"`
	A uint8 `xml:"a,attr"`
}

type Point struct {
	Key        int      `xml:"key"`
	ClusterKey int      `xml:"clusterkey"`
	Location   Location `xml:"location"`
}

type Location struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

type Edge struct {
	Key      int      `xml:"key"`
	Vertices []Vertex `xml:"vertices>vertex"`
}

// Vertex keys stay textual until the assembler resolves them.
type Vertex struct {
	Key string `xml:"key,attr"`
}

type options struct {
	maxPoints int
}

// Option configures Parse.
type Option func(*options)

// WithMaxPoints sets the per-document point limit. Zero disables it.
func WithMaxPoints(n int) Option {
	return func(o *options) { o.maxPoints = n }
}

// Parse decodes one document. Malformed markup and documents over the point
// limit fail with CodeMemberParse.
func Parse(r io.Reader, opts ...Option) (*Graph, error) {
	o := options{maxPoints: DefaultMaxPoints}
	for _, opt := range opts {
		opt(&o)
	}

	dec := xml.NewDecoder(r)
	g := &Graph{}
	rootSeen := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseErr(err, "malformed markup")
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !rootSeen {
			if start.Name.Local != "plotviz" {
				return nil, apperrors.Newf(apperrors.CodeMemberParse, "unexpected root element <%s>", start.Name.Local)
			}
			rootSeen = true
			continue
		}

		switch start.Name.Local {
		case "cluster":
			var c Cluster
			if err := dec.DecodeElement(&c, &start); err != nil {
				return nil, parseErr(err, "decode cluster")
			}
			g.Clusters = append(g.Clusters, c)
		case "point":
			if o.maxPoints > 0 && len(g.Points) >= o.maxPoints {
				return nil, apperrors.Newf(apperrors.CodeMemberParse, "document exceeds %d points", o.maxPoints)
			}
			var p Point
			if err := dec.DecodeElement(&p, &start); err != nil {
				return nil, parseErr(err, "decode point")
			}
			g.Points = append(g.Points, p)
		case "edge":
			var e Edge
			if err := dec.DecodeElement(&e, &start); err != nil {
				return nil, parseErr(err, "decode edge")
			}
			g.Edges = append(g.Edges, e)
		case "plot":
			if err := dec.Skip(); err != nil {
				return nil, parseErr(err, "skip plot settings")
			}
		}
	}

	if !rootSeen {
		return nil, apperrors.New(apperrors.CodeMemberParse, "empty document")
	}
	return g, nil
}

func parseErr(err error, msg string) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return apperrors.Wrap(err, apperrors.CodeMemberParse, fmt.Sprintf("%s at line %d", msg, se.Line))
	}
	return apperrors.Wrap(err, apperrors.CodeMemberParse, msg)
}
