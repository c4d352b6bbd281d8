package api

import (
	"encoding/json"
	"io"
	"net/http"

	"open-mer/bus"
	"open-mer/cache"
	"open-mer/database/types"
)

const maxBodyBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// handlePostChannelSelect publishes channel_select and mirrors it for late readers
func (s *Server) handlePostChannelSelect(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	cs, err := bus.ParseChannelSelect(body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid channel_select", err)
		return
	}
	if err := bus.PublishChannelSelect(r.Context(), s.bus, cs); err != nil {
		respondWithError(w, http.StatusBadGateway, "Failed to publish channel_select", err)
		return
	}
	if err := s.mirror.Put(r.Context(), cache.KeyChannelSelect, cs); err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to mirror channel_select", err)
		return
	}
	writeJSON(w, http.StatusAccepted, cs)
}

func (s *Server) handleGetChannelSelect(w http.ResponseWriter, r *http.Request) {
	var cs bus.ChannelSelect
	found, err := s.mirror.Load(r.Context(), cache.KeyChannelSelect, &cs)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to read channel_select", err)
		return
	}
	if !found {
		http.Error(w, "No channel selected", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// handlePostFeatures publishes a feature-enable map, or the refresh token
func (s *Server) handlePostFeatures(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	refresh, enabled, err := bus.ParseFeaturesMessage(body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid features message", err)
		return
	}
	if !refresh && len(enabled) == 0 {
		http.Error(w, "Empty feature map", http.StatusBadRequest)
		return
	}
	if refresh {
		enabled = nil
	}
	if err := bus.PublishFeatures(r.Context(), s.bus, enabled); err != nil {
		respondWithError(w, http.StatusBadGateway, "Failed to publish features", err)
		return
	}
	if refresh {
		writeJSON(w, http.StatusAccepted, map[string]string{"features": bus.RefreshToken})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"features": enabled, "enabled": enabled.Enabled()})
}

func (s *Server) requireProcedures(w http.ResponseWriter) bool {
	if s.procedures == nil {
		http.Error(w, "Procedure control not available", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// handleOpenProcedure accepts a procedure_settings body, binds it and publishes it
func (s *Server) handleOpenProcedure(w http.ResponseWriter, r *http.Request) {
	if !s.requireProcedures(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	settings, err := bus.ParseProcedureSettings(body)
	if err != nil {
		respondWithStoreError(w, "Invalid procedure settings", err)
		return
	}
	resp, err := s.procedures.Open(r.Context(), settings)
	if err != nil {
		respondWithStoreError(w, "Failed to open procedure", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStopProcedure(w http.ResponseWriter, r *http.Request) {
	if !s.requireProcedures(w) {
		return
	}
	if err := s.procedures.StopWorkers(r.Context()); err != nil {
		respondWithError(w, http.StatusBadGateway, "Failed to publish shutdown", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"running": false})
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireProcedures(w) {
		return
	}
	var req types.RecordingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.procedures.SetRecording(r.Context(), req)
	if err != nil {
		respondWithStoreError(w, "Failed to toggle recording", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
