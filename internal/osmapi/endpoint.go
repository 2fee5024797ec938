package osmapi

import (
	"fmt"
	"strings"
)

// Endpoint is an OSM API deployment
type Endpoint struct {
	Name        string
	BaseURL     string // ends in /api
	Description string
}

// Predefined endpoints
var (
	EndpointProduction = &Endpoint{
		Name:        "production",
		BaseURL:     "https://api.openstreetmap.org/api",
		Description: "OpenStreetMap main database",
	}

	EndpointDev = &Endpoint{
		Name:        "dev",
		BaseURL:     "https://master.apis.dev.openstreetmap.org/api",
		Description: "OpenStreetMap development sandbox",
	}
)

// ParseEndpoint parses an endpoint string
// Formats:
//   - "production" (also "prod", "osm"), "dev" (also "sandbox")
//   - Custom URL: "https://example.com/api"; "/api" is appended when missing
func ParseEndpoint(s string) (*Endpoint, error) {
	s = strings.TrimSpace(s)

	switch strings.ToLower(s) {
	case "production", "prod", "osm", "":
		return EndpointProduction, nil
	case "dev", "sandbox":
		return EndpointDev, nil
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		base := strings.TrimSuffix(s, "/")
		if !strings.HasSuffix(base, "/api") {
			base += "/api"
		}
		return &Endpoint{
			Name:        "custom",
			BaseURL:     base,
			Description: "Custom API endpoint",
		}, nil
	}

	return nil, fmt.Errorf("unknown API endpoint: %s", s)
}

// ListEndpoints returns a description of the predefined endpoints
func ListEndpoints() []string {
	return []string{
		fmt.Sprintf("%-10s - %s (%s)", EndpointProduction.Name, EndpointProduction.Description, EndpointProduction.BaseURL),
		fmt.Sprintf("%-10s - %s (%s)", EndpointDev.Name, EndpointDev.Description, EndpointDev.BaseURL),
	}
}
