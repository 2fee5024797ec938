package osc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

// xmlWriter writes the fixed layout the OSM API documents use: two-space
// indentation, one element per line, empty elements self-closed.
type xmlWriter struct {
	buf bytes.Buffer
}

func (w *xmlWriter) indent(depth int) {
	for i := 0; i < depth; i++ {
		w.buf.WriteString("  ")
	}
}

func (w *xmlWriter) open(depth int, name string) {
	w.indent(depth)
	w.buf.WriteByte('<')
	w.buf.WriteString(name)
}

func (w *xmlWriter) attr(name, value string) {
	w.buf.WriteByte(' ')
	w.buf.WriteString(name)
	w.buf.WriteString(`="`)
	xml.EscapeText(&w.buf, []byte(value))
	w.buf.WriteByte('"')
}

func (w *xmlWriter) attrInt(name string, v int64) {
	w.attr(name, strconv.FormatInt(v, 10))
}

func (w *xmlWriter) attrFloat(name string, v float64) {
	w.attr(name, strconv.FormatFloat(v, 'f', -1, 64))
}

// endOpen finishes a start tag; selfClose writes "/>" instead of ">"
func (w *xmlWriter) endOpen(selfClose bool) {
	if selfClose {
		w.buf.WriteString("/>\n")
	} else {
		w.buf.WriteString(">\n")
	}
}

func (w *xmlWriter) close(depth int, name string) {
	w.indent(depth)
	w.buf.WriteString("</")
	w.buf.WriteString(name)
	w.buf.WriteString(">\n")
}

func (w *xmlWriter) tags(depth int, tags feature.Tags) {
	for _, t := range tags {
		w.open(depth, "tag")
		w.attr("k", t.Key)
		w.attr("v", t.Value)
		w.endOpen(true)
	}
}

// changesetTags writes <changeset> with its tag children
func (w *xmlWriter) changesetTags(depth int, tags feature.Tags) {
	w.open(depth, "changeset")
	if len(tags) == 0 {
		w.endOpen(true)
		return
	}
	w.endOpen(false)
	w.tags(depth+1, tags)
	w.close(depth, "changeset")
}

// SerializeChangesetTags builds the document used to open a changeset and to update
// its tags
func SerializeChangesetTags(tags feature.Tags) []byte {
	w := &xmlWriter{}
	w.open(0, "osm")
	w.endOpen(false)
	w.changesetTags(1, tags)
	w.close(0, "osm")
	return w.buf.Bytes()
}

// Serialize builds the osmChange document uploading diff into the changeset.
//
// Creations are written node, way, relation so referenced children exist before their
// parents; deletions are written relation, way, node so parents disappear before their
// children. Creations are always sent with version 0. The delete group carries
// if-unused so the store skips features that are still referenced.
// metadata, when non-nil, is written as a leading <changeset> element.
func Serialize(changesetID int64, diff *feature.Diff, metadata feature.Tags) ([]byte, error) {
	w := &xmlWriter{}
	w.open(0, "osmChange")
	w.attr("version", "0.6")
	w.attr("generator", Generator)
	w.endOpen(false)

	if metadata != nil {
		w.changesetTags(1, metadata)
	}

	groups := []struct {
		action feature.Action
		order  []feature.Type
	}{
		{feature.ActionCreate, []feature.Type{feature.TypeNode, feature.TypeWay, feature.TypeRelation}},
		{feature.ActionModify, []feature.Type{feature.TypeNode, feature.TypeWay, feature.TypeRelation}},
		{feature.ActionDelete, []feature.Type{feature.TypeRelation, feature.TypeWay, feature.TypeNode}},
	}

	for _, g := range groups {
		features := *diff.Bucket(g.action)
		for i := range features {
			if err := validate(&features[i], g.action); err != nil {
				return nil, err
			}
		}

		w.open(1, string(g.action))
		if g.action == feature.ActionDelete {
			w.attr("if-unused", "true")
		}
		if len(features) == 0 {
			w.endOpen(true)
			continue
		}
		w.endOpen(false)

		for _, t := range g.order {
			for i := range features {
				f := &features[i]
				if f.Type != t {
					continue
				}
				version := f.Version
				if g.action == feature.ActionCreate {
					version = 0
				}
				w.feature(2, f, changesetID, version)
			}
		}
		w.close(1, string(g.action))
	}

	w.close(0, "osmChange")
	return w.buf.Bytes(), nil
}

// validate rejects features that cannot be written. Deletions only need their id.
func validate(f *feature.Feature, action feature.Action) error {
	if !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q for id %d", ErrMalformedFeature, f.Type, f.ID)
	}
	if action == feature.ActionDelete {
		return nil
	}
	switch f.Type {
	case feature.TypeWay:
		if f.Nodes == nil {
			return fmt.Errorf("%w: way %d has no nodes", ErrMalformedFeature, f.ID)
		}
	case feature.TypeRelation:
		if f.Members == nil {
			return fmt.Errorf("%w: relation %d has no members", ErrMalformedFeature, f.ID)
		}
		for _, m := range f.Members {
			if !m.Type.Valid() {
				return fmt.Errorf("%w: relation %d has member of type %q", ErrMalformedFeature, f.ID, m.Type)
			}
		}
	}
	return nil
}

func (w *xmlWriter) feature(depth int, f *feature.Feature, changesetID int64, version int) {
	w.open(depth, string(f.Type))
	w.attrInt("id", f.ID)
	w.attrInt("version", int64(version))
	w.attrInt("changeset", changesetID)
	if f.Type == feature.TypeNode {
		w.attrFloat("lat", f.Lat)
		w.attrFloat("lon", f.Lon)
	}
	w.children(depth, f)
}

// children writes tags, then nd or member elements, and closes the element
func (w *xmlWriter) children(depth int, f *feature.Feature) {
	hasChildren := len(f.Tags) > 0 ||
		(f.Type == feature.TypeWay && len(f.Nodes) > 0) ||
		(f.Type == feature.TypeRelation && len(f.Members) > 0)
	if !hasChildren {
		w.endOpen(true)
		return
	}
	w.endOpen(false)

	w.tags(depth+1, f.Tags)
	switch f.Type {
	case feature.TypeWay:
		for _, ref := range f.Nodes {
			w.open(depth+1, "nd")
			w.attrInt("ref", ref)
			w.endOpen(true)
		}
	case feature.TypeRelation:
		for _, m := range f.Members {
			w.open(depth+1, "member")
			w.attr("type", string(m.Type))
			w.attrInt("ref", m.Ref)
			w.attr("role", m.Role)
			w.endOpen(true)
		}
	}
	w.close(depth, string(f.Type))
}

// SerializeFeatures writes features in the store's read representation, the
// <osm> document returned by the multi-fetch endpoints
func SerializeFeatures(features []feature.Feature) []byte {
	w := &xmlWriter{}
	w.open(0, "osm")
	w.attr("version", "0.6")
	w.attr("generator", Generator)
	if len(features) == 0 {
		w.endOpen(true)
		return w.buf.Bytes()
	}
	w.endOpen(false)

	for i := range features {
		f := &features[i]
		w.open(1, string(f.Type))
		w.attrInt("id", f.ID)
		w.attr("visible", strconv.FormatBool(f.Visible))
		w.attrInt("version", int64(f.Version))
		w.attrInt("changeset", f.Changeset)
		if !f.Timestamp.IsZero() {
			w.attr("timestamp", f.Timestamp.UTC().Format(time.RFC3339))
		}
		if f.User != "" {
			w.attr("user", f.User)
			w.attrInt("uid", f.UID)
		}
		if f.Type == feature.TypeNode && f.Visible {
			w.attrFloat("lat", f.Lat)
			w.attrFloat("lon", f.Lon)
		}
		w.children(1, f)
	}

	w.close(0, "osm")
	return w.buf.Bytes()
}

// SerializeDiffResult writes the upload response document
func SerializeDiffResult(entries []DiffResultEntry) []byte {
	w := &xmlWriter{}
	w.open(0, "diffResult")
	w.attr("version", "0.6")
	w.attr("generator", Generator)
	if len(entries) == 0 {
		w.endOpen(true)
		return w.buf.Bytes()
	}
	w.endOpen(false)
	for _, e := range entries {
		w.open(1, string(e.Type))
		w.attrInt("old_id", e.OldID)
		if !e.Deleted {
			w.attrInt("new_id", e.NewID)
			w.attrInt("new_version", int64(e.NewVersion))
		}
		w.endOpen(true)
	}
	w.close(0, "diffResult")
	return w.buf.Bytes()
}
