package osc

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

type rawIDMap struct {
	OldID      int64 `xml:"old_id,attr"`
	NewID      int64 `xml:"new_id,attr"`
	NewVersion int   `xml:"new_version,attr"`
}

type rawDiffResult struct {
	XMLName   xml.Name   `xml:"diffResult"`
	Nodes     []rawIDMap `xml:"node"`
	Ways      []rawIDMap `xml:"way"`
	Relations []rawIDMap `xml:"relation"`
}

// DeserializeDiffResult parses the store's response to an upload
func DeserializeDiffResult(r io.Reader) (DiffResult, error) {
	var raw rawDiffResult
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse diffResult: %w", err)
	}

	result := make(DiffResult)
	groups := []struct {
		t     feature.Type
		items []rawIDMap
	}{
		{feature.TypeNode, raw.Nodes},
		{feature.TypeWay, raw.Ways},
		{feature.TypeRelation, raw.Relations},
	}
	for _, g := range groups {
		for _, item := range g.items {
			result.Add(g.t, item.OldID, IDMapping{NewID: item.NewID, NewVersion: item.NewVersion})
		}
	}
	return result, nil
}

// ParseFeatures reads the store's <osm> document (multi-fetch responses) into the
// typed model
func ParseFeatures(r io.Reader) ([]feature.Feature, error) {
	var doc osm.OSM
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OSM document: %w", err)
	}
	return feature.FromOSM(&doc)
}
