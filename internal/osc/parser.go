package osc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

// Parser parses osmChange documents into a Diff
type Parser struct {
	stats feature.Stats
}

// NewParser creates a new osmChange parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics
func (p *Parser) Stats() feature.Stats {
	return p.stats
}

// ParseFile parses an osmChange file.
// Supports both plain XML and gzip-compressed files
func (p *Parser) ParseFile(ctx context.Context, filename string) (*Document, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open OSC file: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f

	if strings.HasSuffix(filename, ".gz") {
		gzReader, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	return p.Parse(ctx, reader)
}

// ParseNativeDiff is the inverse of Serialize
func ParseNativeDiff(data []byte) (*Document, error) {
	return NewParser().Parse(context.Background(), bytes.NewReader(data))
}

// Parse reads one osmChange document
func (p *Parser) Parse(ctx context.Context, reader io.Reader) (*Document, error) {
	decoder := xml.NewDecoder(reader)
	doc := &Document{}
	var currentAction feature.Action

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("XML parse error: %w", err)
		}

		switch se := token.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "create":
				currentAction = feature.ActionCreate
			case "modify":
				currentAction = feature.ActionModify
			case "delete":
				currentAction = feature.ActionDelete
			case "changeset":
				tags, err := parseChangeset(decoder)
				if err != nil {
					return nil, err
				}
				doc.Metadata = tags
			case "node", "way", "relation":
				if currentAction == "" {
					return nil, fmt.Errorf("%w: <%s> outside create/modify/delete", ErrMalformedFeature, se.Name.Local)
				}
				f, err := parseElement(decoder, se)
				if err != nil {
					return nil, err
				}
				bucket := doc.Diff.Bucket(currentAction)
				*bucket = append(*bucket, *f)
				p.stats.Add(currentAction, f.Type)
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "create", "modify", "delete":
				currentAction = ""
			}
		}
	}

	return doc, nil
}

// parseChangeset reads the tags of a <changeset> element
func parseChangeset(decoder *xml.Decoder) (feature.Tags, error) {
	tags := feature.Tags{}
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}

		switch se := token.(type) {
		case xml.StartElement:
			if se.Name.Local == "tag" {
				if k, v := parseTag(se); k != "" {
					tags = tags.Set(k, v)
				}
			}
		case xml.EndElement:
			if se.Name.Local == "changeset" {
				return tags, nil
			}
		}
	}
}

func parseTag(se xml.StartElement) (k, v string) {
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "k":
			k = attr.Value
		case "v":
			v = attr.Value
		}
	}
	return k, v
}

// parseElement parses a node, way or relation element including its children
func parseElement(decoder *xml.Decoder, start xml.StartElement) (*feature.Feature, error) {
	f := &feature.Feature{
		Type:    feature.Type(start.Name.Local),
		Visible: true,
	}
	switch f.Type {
	case feature.TypeWay:
		f.Nodes = make([]int64, 0, 16)
	case feature.TypeRelation:
		f.Members = make([]feature.Member, 0, 8)
	}

	if err := parseAttributes(f, start.Attr); err != nil {
		return nil, err
	}

	// Parse child elements (tags, nd refs, members)
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}

		switch se := token.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "tag":
				if k, v := parseTag(se); k != "" {
					f.Tags = f.Tags.Set(k, v)
				}
			case "nd":
				for _, attr := range se.Attr {
					if attr.Name.Local == "ref" {
						ref, err := strconv.ParseInt(attr.Value, 10, 64)
						if err != nil {
							return nil, fmt.Errorf("%w: way %d: nd ref %q", ErrMalformedFeature, f.ID, attr.Value)
						}
						f.Nodes = append(f.Nodes, ref)
					}
				}
			case "member":
				m, err := parseMember(se)
				if err != nil {
					return nil, fmt.Errorf("relation %d: %w", f.ID, err)
				}
				f.Members = append(f.Members, m)
			}
		case xml.EndElement:
			if se.Name.Local == start.Name.Local {
				return f, nil
			}
		}
	}
}

func parseAttributes(f *feature.Feature, attrs []xml.Attr) error {
	for _, attr := range attrs {
		var err error
		switch attr.Name.Local {
		case "id":
			f.ID, err = strconv.ParseInt(attr.Value, 10, 64)
		case "version":
			f.Version, err = strconv.Atoi(attr.Value)
		case "changeset":
			f.Changeset, err = strconv.ParseInt(attr.Value, 10, 64)
		case "lat":
			f.Lat, err = strconv.ParseFloat(attr.Value, 64)
		case "lon":
			f.Lon, err = strconv.ParseFloat(attr.Value, 64)
		case "timestamp":
			f.Timestamp, err = time.Parse(time.RFC3339, attr.Value)
		case "user":
			f.User = attr.Value
		case "uid":
			f.UID, err = strconv.ParseInt(attr.Value, 10, 64)
		case "visible":
			f.Visible, err = strconv.ParseBool(attr.Value)
		}
		if err != nil {
			return fmt.Errorf("%w: %s attribute %s=%q", ErrMalformedFeature, f.Type, attr.Name.Local, attr.Value)
		}
	}
	return nil
}

func parseMember(se xml.StartElement) (feature.Member, error) {
	var m feature.Member
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "type":
			t, err := feature.ParseType(attr.Value)
			if err != nil {
				return m, fmt.Errorf("%w: %v", ErrMalformedFeature, err)
			}
			m.Type = t
		case "ref":
			ref, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return m, fmt.Errorf("%w: member ref %q", ErrMalformedFeature, attr.Value)
			}
			m.Ref = ref
		case "role":
			m.Role = attr.Value
		}
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: member without type", ErrMalformedFeature)
	}
	return m, nil
}
