// Package apitest provides an in-memory Sync 1.5 storage node for tests.
package apitest

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
)

// EndpointPath is where the storage node is mounted.
const EndpointPath = "/1.5/42"

// tickMS is the server clock step between writes.
const tickMS = 10

// Fault replaces the response of matching requests. Status 0 drops the
// connection instead.
type Fault struct {
	Match  func(*http.Request) bool
	Status int
	Header http.Header
	Body   string

	// Times is how many requests the fault applies to; negative is forever.
	// net/http may silently resend an idempotent request whose connection
	// was dropped, consuming two.
	Times int
}

// Request is a request the server received.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
}

// Server is a fake storage node. Tokens are opaque bearer ids it issued
// itself; Server implements auth.Refresher to hand out new ones.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	clock       api.Timestamp
	collections map[string]map[string]api.BSO
	modified    map[string]api.Timestamp
	tokens      map[string]bool
	issued      int
	refreshes   int
	faults      []*Fault
	requests    []Request
	refreshHook func(ctx context.Context)

	// TokenLifetime is the duration of issued tokens.
	TokenLifetime time.Duration
}

// NewServer starts a fake storage node closed with t.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		clock:         api.Timestamp(1_000_000),
		collections:   map[string]map[string]api.BSO{},
		modified:      map[string]api.Timestamp{},
		tokens:        map[string]bool{},
		TokenLifetime: 5 * time.Minute,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+EndpointPath+"/info/collections", s.handleCollections)
	mux.HandleFunc("GET "+EndpointPath+"/info/collection_counts", s.handleCounts)
	mux.HandleFunc("GET "+EndpointPath+"/info/collection_usage", s.handleUsage)
	mux.HandleFunc("GET "+EndpointPath+"/info/quota", s.handleQuota)
	mux.HandleFunc("GET "+EndpointPath+"/storage/{collection}", s.handleFetch)
	mux.HandleFunc("DELETE "+EndpointPath+"/storage/{collection}", s.handleDeleteCollection)
	mux.HandleFunc("GET "+EndpointPath+"/storage/{collection}/{id}", s.handleGet)
	mux.HandleFunc("PUT "+EndpointPath+"/storage/{collection}/{id}", s.handlePut)
	mux.HandleFunc("DELETE "+EndpointPath+"/storage/{collection}/{id}", s.handleDelete)

	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(s.Close)

	return s
}

// Endpoint is the api_endpoint of issued tokens.
func (s *Server) Endpoint() string {
	return s.URL + EndpointPath
}

// IssueToken returns a new valid token.
func (s *Server) IssueToken() *auth.SyncToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.issueLocked()
}

func (s *Server) issueLocked() *auth.SyncToken {
	s.issued++
	id := "token-" + strconv.Itoa(s.issued)
	s.tokens[id] = true

	return &auth.SyncToken{
		ID:        id,
		UID:       42,
		Endpoint:  s.Endpoint(),
		Duration:  int64(s.TokenLifetime / time.Second),
		ExpiresAt: time.Now().Add(s.TokenLifetime),
	}
}

// Refresh implements auth.Refresher.
func (s *Server) Refresh(ctx context.Context, _ *auth.SyncToken) (*auth.SyncToken, error) {
	s.mu.Lock()
	hook := s.refreshHook
	s.refreshes++
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	return s.IssueToken(), nil
}

// OnRefresh runs hook inside every Refresh before the token is issued.
func (s *Server) OnRefresh(hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshHook = hook
}

// Refreshes is the number of Refresh calls.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshes
}

// RevokeTokens makes the server reject every token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = map[string]bool{}
}

// AddFault injects a failure.
func (s *Server) AddFault(fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fault.Times == 0 {
		fault.Times = 1
	}

	s.faults = append(s.faults, &fault)
}

// ClearFaults removes every injected failure.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = nil
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

// Store puts bso into collection keeping its Modified, or stamping it with
// the server clock when zero. It bumps the collection timestamp.
func (s *Server) Store(collection string, bso api.BSO) api.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storeLocked(collection, bso)
}

func (s *Server) storeLocked(collection string, bso api.BSO) api.Timestamp {
	if bso.Modified == 0 {
		bso.Modified = s.tickLocked()
	} else if bso.Modified > s.clock {
		s.clock = bso.Modified
	}

	if s.collections[collection] == nil {
		s.collections[collection] = map[string]api.BSO{}
	}

	s.collections[collection][bso.ID] = bso
	s.modified[collection] = max(s.modified[collection], bso.Modified)

	return bso.Modified
}

// BSO returns a stored BSO.
func (s *Server) BSO(collection, id string) (api.BSO, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bso, ok := s.collections[collection][id]

	return bso, ok
}

func (s *Server) tickLocked() api.Timestamp {
	s.clock += tickMS

	return s.clock
}

// IsPage reports whether r continues a paged fetch.
func IsPage(r *http.Request) bool {
	return r.Method == http.MethodGet && r.URL.Query().Get("offset") != ""
}

// IsCollection returns a matcher for requests against collection.
func IsCollection(collection string) func(*http.Request) bool {
	prefix := EndpointPath + "/storage/" + collection

	return func(r *http.Request) bool {
		return r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/")
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
		})
		fault := s.matchFaultLocked(r)
		authorized := s.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		now := s.clock
		s.mu.Unlock()

		w.Header().Set("X-Weave-Timestamp", now.String())

		if fault != nil {
			writeFault(w, fault)

			return
		}

		if !authorized {
			http.Error(w, `{"status":"invalid-credentials"}`, http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) matchFaultLocked(r *http.Request) *Fault {
	for i, fault := range s.faults {
		if fault.Match != nil && !fault.Match(r) {
			continue
		}

		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				s.faults = slices.Delete(s.faults, i, i+1)
			}
		}

		return fault
	}

	return nil
}

func writeFault(w http.ResponseWriter, fault *Fault) {
	if fault.Status == 0 {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijack unsupported", http.StatusInternalServerError)

			return
		}

		conn, _, err := hijacker.Hijack()
		if err == nil {
			_ = conn.Close()
		}

		return
	}

	for name, values := range fault.Header {
		w.Header()[name] = values
	}

	w.WriteHeader(fault.Status)
	_, _ = io.WriteString(w, fault.Body)
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) handleCollections(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make(map[string]api.Timestamp, len(s.modified))
	for name, modified := range s.modified {
		out[name] = modified
	}
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleCounts(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make(map[string]int, len(s.collections))
	for name, bsos := range s.collections {
		out[name] = len(bsos)
	}
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make(map[string]float64, len(s.collections))
	for name, bsos := range s.collections {
		size := 0
		for _, bso := range bsos {
			size += len(bso.Payload)
		}

		out[name] = float64(size) / 1024
	}
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleQuota(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	size := 0
	for _, bsos := range s.collections {
		for _, bso := range bsos {
			size += len(bso.Payload)
		}
	}
	s.mu.Unlock()

	writeJSON(w, []any{float64(size) / 1024, nil})
}

// unmodifiedSince rejects the request with 412 when the collection changed
// after X-If-Unmodified-Since.
func (s *Server) unmodifiedSinceLocked(w http.ResponseWriter, r *http.Request, collection string) bool {
	value := r.Header.Get("X-If-Unmodified-Since")
	if value == "" {
		return true
	}

	since, err := api.ParseTimestamp(value)
	if err != nil {
		http.Error(w, "bad X-If-Unmodified-Since", http.StatusBadRequest)

		return false
	}

	if s.modified[collection] > since {
		w.WriteHeader(http.StatusPreconditionFailed)

		return false
	}

	return true
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	query := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.unmodifiedSinceLocked(w, r, collection) {
		return
	}

	var newer api.Timestamp
	if value := query.Get("newer"); value != "" {
		parsed, err := api.ParseTimestamp(value)
		if err != nil {
			http.Error(w, "bad newer", http.StatusBadRequest)

			return
		}

		newer = parsed
	}

	bsos := make([]api.BSO, 0, len(s.collections[collection]))
	for _, bso := range s.collections[collection] {
		if bso.Modified > newer {
			bsos = append(bsos, bso)
		}
	}

	slices.SortFunc(bsos, func(a, b api.BSO) int {
		if a.Modified != b.Modified {
			return cmp.Compare(a.Modified, b.Modified)
		}

		return strings.Compare(a.ID, b.ID)
	})

	offset, _ := strconv.Atoi(query.Get("offset"))
	offset = min(offset, len(bsos))
	bsos = bsos[offset:]

	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 && limit < len(bsos) {
		bsos = bsos[:limit]
		w.Header().Set("X-Weave-Next-Offset", strconv.Itoa(offset+limit))
	}

	w.Header().Set("X-Last-Modified", s.modified[collection].String())

	if query.Get("full") == "" {
		ids := make([]string, 0, len(bsos))
		for _, bso := range bsos {
			ids = append(ids, bso.ID)
		}

		writeJSON(w, ids)

		return
	}

	writeJSON(w, bsos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	bso, ok := s.collections[r.PathValue("collection")][r.PathValue("id")]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "0", http.StatusNotFound)

		return
	}

	writeJSON(w, bso)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var bso api.BSO
	if err := json.NewDecoder(r.Body).Decode(&bso); err != nil {
		http.Error(w, "6", http.StatusBadRequest)

		return
	}

	if bso.ID == "" {
		bso.ID = r.PathValue("id")
	}

	if bso.ID != r.PathValue("id") {
		http.Error(w, "8", http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.unmodifiedSinceLocked(w, r, collection) {
		return
	}

	bso.Modified = 0
	modified := s.storeLocked(collection, bso)

	w.Header().Set("X-Last-Modified", modified.String())
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, modified.String())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		http.Error(w, "0", http.StatusNotFound)

		return
	}

	delete(s.collections[collection], id)

	modified := s.tickLocked()
	s.modified[collection] = modified

	writeJSON(w, map[string]api.Timestamp{"modified": modified})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, collection)
	delete(s.modified, collection)

	modified := s.tickLocked()

	w.Header().Set("X-Last-Modified", modified.String())
	writeJSON(w, map[string]api.Timestamp{"modified": modified})
}
