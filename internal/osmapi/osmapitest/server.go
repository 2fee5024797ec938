// Package osmapitest provides an in-memory OSM API for tests. It implements the
// changeset and multi-fetch endpoints with the store's optimistic versioning:
// creations get per-type ids counting from 1 and version 1, modifications and
// deletions must name the current version and bump it, anything else is a 409.
package osmapitest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/osc"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
)

// Call is one request received by the server
type Call struct {
	Method          string
	Path            string
	ContentEncoding string
	Authorization   string
	Body            []byte // decompressed
}

// Changeset is the server-side state of a changeset
type Changeset struct {
	ID      int64
	Tags    feature.Tags
	Open    bool
	Uploads int
}

// Server is the in-memory API. Use it as an http.Handler or through Start.
type Server struct {
	// BeforeUpload runs before every upload is applied, outside the lock. Tests use
	// it to simulate concurrent edits.
	BeforeUpload func(s *Server, changesetID int64)

	// Fail, when set, may return a status code to answer a request with instead of
	// handling it
	Fail func(r *http.Request) int

	mu         sync.Mutex
	features   map[feature.Ref]feature.Feature
	nextID     map[feature.Type]int64
	changesets map[int64]*Changeset
	lastCS     int64
	calls      []Call
}

// NewServer creates an empty store
func NewServer() *Server {
	return &Server{
		features:   make(map[feature.Ref]feature.Feature),
		nextID:     make(map[feature.Type]int64),
		changesets: make(map[int64]*Changeset),
	}
}

// Start serves s on a local listener and returns a client for it. The listener is
// closed when the test ends.
func (s *Server) Start(tb testing.TB) *osmapi.Client {
	tb.Helper()
	ts := httptest.NewServer(s)
	tb.Cleanup(ts.Close)
	return osmapi.NewClient(osmapi.NewHTTPTransport(ts.URL+"/api",
		osmapi.WithToken("test-token"),
		osmapi.WithRetries(1, 0)))
}

// Put stores features as they are, as if another client had written them. A zero
// version is stored as 1.
func (s *Server) Put(features ...feature.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range features {
		f = f.Clone()
		if f.Version == 0 {
			f.Version = 1
		}
		s.features[f.Ref()] = f
		if f.ID >= s.nextID[f.Type] {
			s.nextID[f.Type] = f.ID + 1
		}
	}
}

// Edit changes a stored feature and bumps its version, as a concurrent edit would
func (s *Server) Edit(ref feature.Ref, edit func(f *feature.Feature)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[ref]
	if !ok {
		return
	}
	edit(&f)
	f.Version++
	s.features[ref] = f
}

// Remove deletes a feature from the store entirely, so reads answer 404
func (s *Server) Remove(ref feature.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.features, ref)
}

// Feature returns the stored state of a feature
func (s *Server) Feature(ref feature.Ref) (feature.Feature, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[ref]
	return f.Clone(), ok
}

// Changeset returns the state of a changeset
func (s *Server) Changeset(id int64) (Changeset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.changesets[id]
	if !ok {
		return Changeset{}, false
	}
	out := *cs
	out.Tags = cs.Tags.Clone()
	return out, true
}

// Calls returns the requests received so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallPaths returns "METHOD path" for every request received so far
func (s *Server) CallPaths() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method + " " + c.Path
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api")
	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method:          r.Method,
		Path:            path,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		Authorization:   r.Header.Get("Authorization"),
		Body:            body,
	})
	s.mu.Unlock()

	if s.Fail != nil {
		if code := s.Fail(r); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "0.6" {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "changeset" && parts[2] == "create":
		s.openChangeset(w, body)
	case r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "changeset":
		s.withChangeset(w, parts[2], func(cs *Changeset) { s.updateChangeset(w, cs, body) })
	case r.Method == http.MethodPut && len(parts) == 4 && parts[1] == "changeset" && parts[3] == "close":
		s.withChangeset(w, parts[2], func(cs *Changeset) { s.closeChangeset(w, cs) })
	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "changeset" && parts[3] == "upload":
		id, _ := strconv.ParseInt(parts[2], 10, 64)
		if s.BeforeUpload != nil {
			s.BeforeUpload(s, id)
		}
		s.withChangeset(w, parts[2], func(cs *Changeset) { s.upload(w, cs, body) })
	case r.Method == http.MethodGet && len(parts) == 2:
		s.fetch(w, r, parts[1])
	default:
		http.Error(w, "unsupported request", http.StatusBadRequest)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

func (s *Server) openChangeset(w http.ResponseWriter, body []byte) {
	doc, err := osc.ParseNativeDiff(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.lastCS++
	cs := &Changeset{ID: s.lastCS, Tags: doc.Metadata, Open: true}
	s.changesets[cs.ID] = cs
	s.mu.Unlock()

	fmt.Fprintf(w, "%d", cs.ID)
}

// withChangeset runs fn with the lock held for an existing changeset
func (s *Server) withChangeset(w http.ResponseWriter, rawID string, fn func(cs *Changeset)) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.Error(w, "bad changeset id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.changesets[id]
	if !ok {
		http.Error(w, fmt.Sprintf("The changeset %d was not found", id), http.StatusNotFound)
		return
	}
	fn(cs)
}

func (s *Server) updateChangeset(w http.ResponseWriter, cs *Changeset, body []byte) {
	if !cs.Open {
		http.Error(w, fmt.Sprintf("The changeset %d was closed", cs.ID), http.StatusConflict)
		return
	}
	doc, err := osc.ParseNativeDiff(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cs.Tags = doc.Metadata
	_, _ = w.Write(osc.SerializeChangesetTags(cs.Tags))
}

func (s *Server) closeChangeset(w http.ResponseWriter, cs *Changeset) {
	if !cs.Open {
		http.Error(w, fmt.Sprintf("The changeset %d was closed", cs.ID), http.StatusConflict)
		return
	}
	cs.Open = false
}

// upload applies a diff atomically: nothing is stored unless every feature passes
func (s *Server) upload(w http.ResponseWriter, cs *Changeset, body []byte) {
	if !cs.Open {
		http.Error(w, fmt.Sprintf("The changeset %d was closed", cs.ID), http.StatusConflict)
		return
	}
	doc, err := osc.ParseNativeDiff(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx := &transaction{
		server:  s,
		staged:  make(map[feature.Ref]feature.Feature),
		nextID:  make(map[feature.Type]int64),
		created: make(map[feature.Ref]int64),
		cs:      cs.ID,
	}
	for t, id := range s.nextID {
		tx.nextID[t] = id
	}

	var entries []osc.DiffResultEntry
	for _, action := range feature.Actions {
		for _, f := range *doc.Diff.Bucket(action) {
			entry, status, msg := tx.apply(action, f)
			if status != 0 {
				http.Error(w, msg, status)
				return
			}
			entries = append(entries, entry)
		}
	}

	for ref, f := range tx.staged {
		s.features[ref] = f
	}
	s.nextID = tx.nextID
	cs.Uploads++

	_, _ = w.Write(osc.SerializeDiffResult(entries))
}

type transaction struct {
	server  *Server
	staged  map[feature.Ref]feature.Feature
	nextID  map[feature.Type]int64
	created map[feature.Ref]int64
	cs      int64
}

func (tx *transaction) lookup(ref feature.Ref) (feature.Feature, bool) {
	if f, ok := tx.staged[ref]; ok {
		return f, true
	}
	f, ok := tx.server.features[ref]
	return f, ok
}

// resolve maps a reference to its stored id, following placeholders created
// earlier in the same upload
func (tx *transaction) resolve(ref feature.Ref) (int64, bool) {
	if feature.IsPlaceholder(ref.ID) {
		id, ok := tx.created[ref]
		return id, ok
	}
	f, ok := tx.lookup(ref)
	return ref.ID, ok && f.Visible
}

func (tx *transaction) resolveReferences(f *feature.Feature) (int, string) {
	for i, id := range f.Nodes {
		resolved, ok := tx.resolve(feature.Ref{Type: feature.TypeNode, ID: id})
		if !ok {
			return http.StatusPreconditionFailed, fmt.Sprintf(
				"Precondition failed: Way %d requires the nodes with id in %d, which either do not exist, or are not visible.", f.ID, id)
		}
		f.Nodes[i] = resolved
	}
	for i, m := range f.Members {
		resolved, ok := tx.resolve(feature.Ref{Type: m.Type, ID: m.Ref})
		if !ok {
			return http.StatusPreconditionFailed, fmt.Sprintf(
				"Precondition failed: Relation with id %d cannot be saved due to %s with id %d", f.ID, m.Type, m.Ref)
		}
		f.Members[i].Ref = resolved
	}
	return 0, ""
}

func (tx *transaction) apply(action feature.Action, f feature.Feature) (osc.DiffResultEntry, int, string) {
	entry := osc.DiffResultEntry{Type: f.Type, OldID: f.ID}
	f.Changeset = tx.cs

	if action == feature.ActionCreate {
		if status, msg := tx.resolveReferences(&f); status != 0 {
			return entry, status, msg
		}
		if tx.nextID[f.Type] == 0 {
			tx.nextID[f.Type] = 1
		}
		oldRef := f.Ref()
		f.ID = tx.nextID[f.Type]
		tx.nextID[f.Type]++
		f.Version = 1
		f.Visible = true
		tx.created[oldRef] = f.ID
		tx.staged[f.Ref()] = f
		entry.NewID, entry.NewVersion = f.ID, f.Version
		return entry, 0, ""
	}

	if feature.IsPlaceholder(f.ID) {
		if id, ok := tx.created[f.Ref()]; ok {
			f.ID = id
		}
	}
	current, ok := tx.lookup(f.Ref())
	if !ok {
		return entry, http.StatusNotFound, fmt.Sprintf("The %s with the id %d was not found", f.Type, f.ID)
	}
	if current.Version != f.Version {
		return entry, http.StatusConflict, osmapi.FormatVersionMismatch(osmapi.VersionMismatch{
			Ref: f.Ref(), Provided: f.Version, ServerHad: current.Version,
		})
	}

	if action == feature.ActionModify {
		if status, msg := tx.resolveReferences(&f); status != 0 {
			return entry, status, msg
		}
		f.Visible = true
	} else {
		f = feature.Feature{Type: f.Type, ID: f.ID, Changeset: tx.cs, Visible: false}
		switch f.Type {
		case feature.TypeWay:
			f.Nodes = []int64{}
		case feature.TypeRelation:
			f.Members = []feature.Member{}
		}
		entry.Deleted = true
	}
	f.Version = current.Version + 1
	tx.staged[f.Ref()] = f
	if !entry.Deleted {
		entry.NewID, entry.NewVersion = f.ID, f.Version
	}
	return entry, 0, ""
}

// fetch answers a multi-fetch request; like the real API it fails with 404 when
// any of the ids is unknown
func (s *Server) fetch(w http.ResponseWriter, r *http.Request, plural string) {
	t := feature.Type(strings.TrimSuffix(plural, "s"))
	if !t.Valid() {
		http.NotFound(w, r)
		return
	}

	var ids []int64
	for _, raw := range strings.Split(r.URL.Query().Get(plural), ",") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad id list", http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}
	if len(ids) > osmapi.MaxFetchIDs {
		http.Error(w, "too many ids", http.StatusRequestURITooLong)
		return
	}

	s.mu.Lock()
	out := make([]feature.Feature, 0, len(ids))
	for _, id := range ids {
		f, ok := s.features[feature.Ref{Type: t, ID: id}]
		if !ok {
			s.mu.Unlock()
			http.NotFound(w, r)
			return
		}
		out = append(out, f.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	_, _ = io.Copy(w, bytes.NewReader(osc.SerializeFeatures(out)))
}
