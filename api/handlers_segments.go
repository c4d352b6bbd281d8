package api

import (
	"net/http"
	"strconv"

	"open-mer/database"
	"open-mer/database/types"
)

const maxSegmentsPerPage = 1000

func (s *Server) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathID(r)
	if !ok {
		http.Error(w, "Invalid procedure ID", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetProcedure(r.Context(), id); err != nil {
		respondWithStoreError(w, "Failed to load procedure", err)
		return
	}
	channels, err := s.store.ListChannels(r.Context(), id)
	if err != nil {
		respondWithStoreError(w, "Failed to list channels", err)
		return
	}
	if channels == nil {
		channels = []database.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

// handleGetSegments lists segment metadata with id greater than ?gt=, ascending
func (s *Server) handleGetSegments(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathID(r)
	if !ok {
		http.Error(w, "Invalid procedure ID", http.StatusBadRequest)
		return
	}

	var after int64
	if gt := r.URL.Query().Get("gt"); gt != "" {
		v, err := strconv.ParseInt(gt, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "Invalid gt cursor", http.StatusBadRequest)
			return
		}
		after = v
	}
	minLimit, maxLimit := 1, maxSegmentsPerPage
	limit := getIntParam(r, "limit", maxSegmentsPerPage, &minLimit, &maxLimit)

	segments, err := s.store.ListSegments(r.Context(), id, after, limit)
	if err != nil {
		respondWithStoreError(w, "Failed to list segments", err)
		return
	}

	resp := types.SegmentsResponse{
		ProcedureID: id,
		After:       after,
		Segments:    make([]types.SegmentSummary, 0, len(segments)),
	}
	for _, seg := range segments {
		resp.Segments = append(resp.Segments, types.SegmentSummary{
			ID:         seg.ID,
			Depth:      seg.Depth,
			StartTime:  seg.StartTime,
			StopTime:   seg.StopTime,
			SampleRate: seg.SampleRate,
			NChannels:  seg.NChannels,
			NSamples:   seg.NSamples,
			Labels:     seg.Labels,
			Validity:   seg.Validity,
			IsGood:     seg.IsGood,
		})
	}
	resp.Count = len(resp.Segments)
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSegmentRaw returns one channel of a segment, optionally high-passed and in microvolts
func (s *Server) handleGetSegmentRaw(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathID(r)
	if !ok {
		http.Error(w, "Invalid segment ID", http.StatusBadRequest)
		return
	}
	label := r.URL.Query().Get("channel")
	if label == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	highpass := getBoolParam(r, "highpass", false)
	microvolts := getBoolParam(r, "uv", false)

	seg, err := s.store.GetSegment(r.Context(), id)
	if err != nil {
		respondWithStoreError(w, "Failed to load segment", err)
		return
	}
	// A 1-based channel number is accepted when no label matches
	if seg.ChannelIndex(label) < 0 {
		if n, err := strconv.Atoi(label); err == nil && n >= 1 && n <= len(seg.Labels) {
			label = seg.Labels[n-1]
		}
	}

	values, err := database.SegmentRow(seg, label, highpass, microvolts)
	if err != nil {
		respondWithStoreError(w, "Failed to decode segment row", err)
		return
	}
	writeJSON(w, http.StatusOK, types.RawResponse{
		SegmentID:  id,
		Label:      label,
		SampleRate: seg.SampleRate,
		Highpass:   highpass,
		Microvolts: microvolts,
		Values:     values,
	})
}

// handleGetSegmentFeatures returns every stored feature row of a segment grouped by kind
func (s *Server) handleGetSegmentFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathID(r)
	if !ok {
		http.Error(w, "Invalid segment ID", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetSegment(r.Context(), id); err != nil {
		respondWithStoreError(w, "Failed to load segment", err)
		return
	}
	rows, err := s.store.ListFeatures(r.Context(), id)
	if err != nil {
		respondWithStoreError(w, "Failed to list features", err)
		return
	}

	kind := r.URL.Query().Get("kind")
	resp := types.FeaturesResponse{SegmentID: id, Kinds: make(map[string][]types.FeatureRow)}
	for i := range rows {
		if kind != "" && rows[i].Kind != kind {
			continue
		}
		values, err := rows[i].Values()
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "Corrupt feature payload", err)
			return
		}
		resp.Kinds[rows[i].Kind] = append(resp.Kinds[rows[i].Kind], types.FeatureRow{
			ChannelIndex: rows[i].ChannelIndex,
			IsGood:       rows[i].IsGood,
			Values:       values,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
