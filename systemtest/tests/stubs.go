package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// RegistrarStub emulates the DNS registrar API with an in-memory zone. It
// speaks the same envelope format the real registrar does, so the dns
// client runs against it unchanged.
type RegistrarStub struct {
	mu      sync.Mutex
	records map[string]registrarRecord
	nextID  int
	srv     *httptest.Server
}

type registrarRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

func NewRegistrarStub() *RegistrarStub {
	s := &RegistrarStub{records: map[string]registrarRecord{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *RegistrarStub) URL() string { return s.srv.URL }

func (s *RegistrarStub) Close() { s.srv.Close() }

// RecordCount reports how many records currently exist in the zone.
func (s *RegistrarStub) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HasRecord reports whether an A record exists for the FQDN.
func (s *RegistrarStub) HasRecord(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Name == name {
			return true
		}
	}
	return false
}

func (s *RegistrarStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// /zones/{zone}/dns_records[/{id}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "zones" || parts[2] != "dns_records" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		name := r.URL.Query().Get("name")
		out := []registrarRecord{}
		for _, rec := range s.records {
			if name == "" || rec.Name == name {
				out = append(out, rec)
			}
		}
		writeEnvelope(w, out)

	case len(parts) == 3 && r.Method == http.MethodPost:
		var body registrarRecord
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.nextID++
		body.ID = fmt.Sprintf("rec-%d", s.nextID)
		s.records[body.ID] = body
		writeEnvelope(w, body)

	case len(parts) == 4:
		id := parts[3]
		rec, ok := s.records[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeEnvelope(w, rec)
		case http.MethodPut:
			var body registrarRecord
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body.ID = id
			s.records[id] = body
			writeEnvelope(w, body)
		case http.MethodDelete:
			delete(s.records, id)
			writeEnvelope(w, map[string]string{"id": id})
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func writeEnvelope(w http.ResponseWriter, result any) {
	data, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"errors":  []any{},
		"result":  json.RawMessage(data),
	})
}

// ProviderStub emulates the compute provider API. Servers report running
// immediately; FailCreate flips capacity errors on for the next creations.
type ProviderStub struct {
	mu         sync.Mutex
	servers    map[int64]providerServer
	nextID     int64
	failCreate bool
	srv        *httptest.Server
}

type providerServer struct {
	ID     int64
	Name   string
	Status string
	IP     string
	Labels map[string]string
}

func NewProviderStub() *ProviderStub {
	s := &ProviderStub{servers: map[int64]providerServer{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *ProviderStub) URL() string { return s.srv.URL }

func (s *ProviderStub) Close() { s.srv.Close() }

// FailCreate makes subsequent create calls fail with a capacity error.
func (s *ProviderStub) FailCreate(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = fail
}

func (s *ProviderStub) ServerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.servers)
}

func (s *ProviderStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 1 || parts[0] != "servers" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		if s.failCreate {
			writeProviderError(w, http.StatusServiceUnavailable, "resource_unavailable", "no capacity in location")
			return
		}
		var body struct {
			Name   string            `json:"name"`
			Labels map[string]string `json:"labels"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, existing := range s.servers {
			if existing.Name == body.Name {
				writeProviderError(w, http.StatusConflict, "uniqueness_error", "server name is already used")
				return
			}
		}
		s.nextID++
		srv := providerServer{
			ID:     s.nextID + 1000,
			Name:   body.Name,
			Status: "running",
			IP:     fmt.Sprintf("203.0.113.%d", s.nextID%250+1),
			Labels: body.Labels,
		}
		s.servers[srv.ID] = srv
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"server": srv.toJSON()})

	case len(parts) == 1 && r.Method == http.MethodGet:
		selector := r.URL.Query().Get("label_selector")
		out := []map[string]any{}
		for _, srv := range s.servers {
			if matchesSelector(srv.Labels, selector) {
				out = append(out, srv.toJSON())
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"servers": out})

	case len(parts) == 2:
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		srv, ok := s.servers[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"server": srv.toJSON()})
		case http.MethodDelete:
			delete(s.servers, id)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func (p providerServer) toJSON() map[string]any {
	return map[string]any{
		"id":     p.ID,
		"name":   p.Name,
		"status": p.Status,
		"public_net": map[string]any{
			"ipv4": map[string]any{"ip": p.IP},
		},
		"labels": p.Labels,
	}
}

func matchesSelector(labels map[string]string, selector string) bool {
	if selector == "" {
		return true
	}
	key, value, found := strings.Cut(selector, "=")
	if !found {
		_, ok := labels[selector]
		return ok
	}
	return labels[key] == value
}

func writeProviderError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
