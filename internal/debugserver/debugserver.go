// Package debugserver exposes a read-only diagnostics HTTP endpoint
// over the frame table, swap allocator and process registry: frame and
// swap occupancy, and per-process resident page counts. It is the
// natural evolution of the teacher's utils.HTTPServer (which exposed a
// generic /mensaje dispatch plus /health) now pointed at real subsystem
// state instead of inter-module RPC, and rebuilt on
// github.com/gorilla/mux instead of a bare http.ServeMux.
package debugserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/loader"
	"github.com/go-vmcore/vmcore/internal/swap"
)

// Server serves diagnostics for one vmsim instance.
type Server struct {
	addr     string
	frames   *frame.Table
	swap     *swap.Allocator
	registry *loader.Registry
	srv      *http.Server
}

// New builds a diagnostics server bound to addr.
func New(addr string, frames *frame.Table, swapAlloc *swap.Allocator, registry *loader.Registry) *Server {
	return &Server{addr: addr, frames: frames, swap: swapAlloc, registry: registry}
}

type statsResponse struct {
	FramesResident int         `json:"frames_resident"`
	FramesTotal    int         `json:"frames_total"`
	SwapFree       uint        `json:"swap_free"`
	SwapTotal      uint        `json:"swap_total"`
	Processes      []procStats `json:"processes"`
}

type procStats struct {
	PID             int `json:"pid"`
	ResidentPages   int `json:"resident_pages"`
	RegisteredPages int `json:"registered_pages"`
	MmapRegions     int `json:"mmap_regions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "module": "vmsim"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resident, total := s.frames.Stats()
	free, slots := s.swap.Stats()

	resp := statsResponse{
		FramesResident: resident,
		FramesTotal:    total,
		SwapFree:       free,
		SwapTotal:      slots,
	}
	for _, p := range s.registry.List() {
		resp.Processes = append(resp.Processes, procStats{
			PID:             p.PID,
			ResidentPages:   p.SPT.ResidentCount(),
			RegisteredPages: p.SPT.EntryCount(),
			MmapRegions:     len(p.Mmaps.Regions()),
		})
	}
	writeJSON(w, resp)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	p, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}
	writeJSON(w, procStats{
		PID:             p.PID,
		ResidentPages:   p.SPT.ResidentCount(),
		RegisteredPages: p.SPT.EntryCount(),
		MmapRegions:     len(p.Mmaps.Regions()),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Start builds the route table and serves until the process exits or
// ListenAndServe returns an error.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/processes/{pid}", s.handleProcess).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: s.addr, Handler: r}
	slog.Info("diagnostics server listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
