// Package imtest provides an in-process Infrastructure Manager for tests.
package imtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Server is a fake IM REST API. Zero values answer with success.
type Server struct {
	// InfraID is returned by create. Defaults to "infra-1".
	InfraID string
	// States are returned by successive state queries; the last one repeats.
	States []string
	// ContMsg is returned for contmsg queries.
	ContMsg string
	// Address, User and Key fill the outputs. Empty Key omits node_creds.
	Address string
	User    string
	Key     string

	// Non-zero status codes make the matching operation fail.
	CreateStatus  int
	StateStatus   int
	OutputsStatus int
	DestroyStatus int

	mu        sync.Mutex
	calls     []string
	auth      []string
	templates []string
	stateIdx  int
	srv       *httptest.Server
}

// Start starts the server. Close it with Close.
func (s *Server) Start() *Server {
	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL is the endpoint to hand to im.NewClient.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Calls returns the operations received so far, e.g. "create", "state infra-1".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// AuthHeaders returns the Authorization headers received so far.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

// Templates returns the bodies of create requests.
func (s *Server) Templates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.templates...)
}

func (s *Server) record(r *http.Request, call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /infrastructures", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.record(r, "create")
		s.mu.Lock()
		s.templates = append(s.templates, string(body))
		s.mu.Unlock()
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "No authentication data provided", http.StatusUnauthorized)
			return
		}
		if s.CreateStatus != 0 {
			http.Error(w, "Error Creating Inf.: quota exceeded", s.CreateStatus)
			return
		}
		id := s.InfraID
		if id == "" {
			id = "infra-1"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"uri": fmt.Sprintf("http://%s/infrastructures/%s", r.Host, id)})
	})

	mux.HandleFunc("GET /infrastructures/{id}/vms/{vm}/{prop}", func(w http.ResponseWriter, r *http.Request) {
		id, prop := r.PathValue("id"), r.PathValue("prop")
		if _, err := strconv.Atoi(r.PathValue("vm")); err != nil {
			http.Error(w, "invalid vm id", http.StatusBadRequest)
			return
		}
		s.record(r, prop+" "+id)
		switch prop {
		case "state":
			if s.StateStatus != 0 {
				http.Error(w, "Error getting VM property", s.StateStatus)
				return
			}
			_, _ = io.WriteString(w, s.nextState())
		case "contmsg":
			_, _ = io.WriteString(w, s.ContMsg)
		default:
			http.Error(w, "unknown property", http.StatusNotFound)
		}
	})

	mux.HandleFunc("GET /infrastructures/{id}/outputs", func(w http.ResponseWriter, r *http.Request) {
		s.record(r, "outputs "+r.PathValue("id"))
		if s.OutputsStatus != 0 {
			http.Error(w, "Error getting outputs", s.OutputsStatus)
			return
		}
		outputs := map[string]interface{}{"node_ip": s.Address}
		if s.Key != "" {
			outputs["node_creds"] = map[string]string{"user": s.User, "token": s.Key}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"outputs": outputs})
	})

	mux.HandleFunc("DELETE /infrastructures/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.record(r, "destroy "+r.PathValue("id"))
		if s.DestroyStatus != 0 {
			http.Error(w, "Error destroying infrastructure", s.DestroyStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) nextState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.States) == 0 {
		return "configured"
	}
	if s.stateIdx >= len(s.States) {
		return s.States[len(s.States)-1]
	}
	st := s.States[s.stateIdx]
	s.stateIdx++
	return st
}
