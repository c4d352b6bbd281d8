package api

import (
	"net/http"

	"open-mer/database/types"
)

// handleHealth returns the health status of the API
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ok"}
	if s.procedures != nil {
		resp.ProcedureID = s.procedures.ProcedureID()
	}
	if s.broker != nil {
		resp.SSEClients = s.broker.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}
