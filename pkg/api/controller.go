// Package api binds the Controller's HTTP surface to pkg/controller's
// business logic.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"quiltmesh/pkg/apierr"
	"quiltmesh/pkg/controller"
	"quiltmesh/pkg/logx"
)

// RegisterRoutes wires the Controller's HTTP handlers onto mux.
func RegisterRoutes(mux *http.ServeMux, svc *controller.Service) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.BadRequestf("invalid payload: %v", err))
			return
		}
		n, err := svc.Register(req.Hostname, req.HostIP, req.CPUCores, req.RAMMB)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RegisterResponse{NodeID: n.NodeID, Subnet: n.Subnet})
	})

	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		nodes, err := svc.ListNodes()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListNodesResponse{Nodes: nodes})
	})

	mux.HandleFunc("/api/nodes/", func(w http.ResponseWriter, r *http.Request) {
		// Matches /api/nodes/{node_id}/heartbeat and
		// /api/nodes/{node_id}/deregister; nothing else is routed under
		// this prefix.
		if r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
		var nodeID string
		var op func(string) error
		switch {
		case strings.HasSuffix(rest, "/heartbeat"):
			nodeID = strings.TrimSuffix(rest, "/heartbeat")
			op = svc.Heartbeat
		case strings.HasSuffix(rest, "/deregister"):
			nodeID = strings.TrimSuffix(rest, "/deregister")
			op = svc.Deregister
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if nodeID == "" {
			writeError(w, apierr.BadRequestf("node_id is required"))
			return
		}
		if err := op(nodeID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, HeartbeatResponse{OK: true})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warnf("api: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case apierr.BadRequest:
		status = http.StatusBadRequest
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.Conflict:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
