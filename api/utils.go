package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"open-mer/database"
	"open-mer/errs"
)

// getIntParam retrieves an integer query parameter with default value and optional range validation
func getIntParam(r *http.Request, key string, defaultVal int, minVal, maxVal *int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}

	if minVal != nil && val < *minVal {
		return defaultVal
	}
	if maxVal != nil && val > *maxVal {
		return defaultVal
	}

	return val
}

// respondWithError logs the error and sends a JSON error response
// Use this to avoid exposing internal errors while still logging them
func respondWithError(w http.ResponseWriter, code int, message string, err error) {
	if err != nil {
		log.Printf("API Error [%d]: %s - %v", code, message, err)
	} else {
		log.Printf("API Error [%d]: %s", code, message)
	}
	http.Error(w, message, code)
}

// getBoolParam reads a boolean query parameter; "1", "true" and "yes" are true
func getBoolParam(r *http.Request, key string, defaultVal bool) bool {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}
	switch valStr {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

// getPathID parses the {id} path value as a positive int64
func getPathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// writeJSON sends v with the given status code
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️  API: encode response: %v", err)
	}
}

// respondWithStoreError maps store and classified errors onto status codes
func respondWithStoreError(w http.ResponseWriter, message string, err error) {
	var validation *database.ValidationError
	switch {
	case database.IsNotFound(err):
		respondWithError(w, http.StatusNotFound, message+": not found", err)
	case errors.As(err, &validation), errs.IsConfiguration(err):
		respondWithError(w, http.StatusBadRequest, message+": "+err.Error(), err)
	case errs.IsTransient(err):
		respondWithError(w, http.StatusServiceUnavailable, message+": device unavailable", err)
	default:
		respondWithError(w, http.StatusInternalServerError, message, err)
	}
}
