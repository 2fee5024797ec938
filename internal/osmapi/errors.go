package osmapi

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

var (
	// ErrVersionConflict matches a 409 answer: the submitted version of a feature is
	// no longer the current one
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound matches a 404 answer
	ErrNotFound = errors.New("not found")

	// ErrGone matches a 410 answer: the feature was deleted
	ErrGone = errors.New("gone")
)

// StatusError is a non-2xx answer from the API
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// Is lets errors.Is match the sentinel for the status code
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrVersionConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrGone:
		return e.StatusCode == http.StatusGone
	}
	return false
}

// VersionMismatch is the feature named in a 409 upload answer
type VersionMismatch struct {
	Ref       feature.Ref
	Provided  int
	ServerHad int
}

var versionMismatchRe = regexp.MustCompile(`Version mismatch: Provided (\d+), server had: (\d+) of (Node|Way|Relation) (-?\d+)`)

// ParseVersionMismatch extracts the conflicting feature from a 409 message such as
// "Version mismatch: Provided 1, server had: 2 of Node 4326". ok is false for other
// conflict messages (closed changeset, for example).
func ParseVersionMismatch(msg string) (m VersionMismatch, ok bool) {
	match := versionMismatchRe.FindStringSubmatch(msg)
	if match == nil {
		return m, false
	}
	m.Provided, _ = strconv.Atoi(match[1])
	m.ServerHad, _ = strconv.Atoi(match[2])
	m.Ref.Type = feature.Type(strings.ToLower(match[3]))
	m.Ref.ID, _ = strconv.ParseInt(match[4], 10, 64)
	return m, true
}

// FormatVersionMismatch writes the message the API uses for a version conflict
func FormatVersionMismatch(m VersionMismatch) string {
	name := string(m.Ref.Type)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return fmt.Sprintf("Version mismatch: Provided %d, server had: %d of %s %d", m.Provided, m.ServerHad, name, m.Ref.ID)
}

// ConflictingRefs returns the features named in a version-conflict error, if any
func ConflictingRefs(err error) []feature.Ref {
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusConflict {
		return nil
	}
	if m, ok := ParseVersionMismatch(se.Message); ok {
		return []feature.Ref{m.Ref}
	}
	return nil
}
