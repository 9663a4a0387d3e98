// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/middleware"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/validation"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 * 1024

// respondJSON writes response with status. Responses describe live state
// and are never cached.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: metadata(r),
	})
}

// respondError writes the error envelope. err, when set, is logged but
// never sent to the client.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	respondErrorDetails(w, nil, status, &models.APIError{Code: code, Message: message}, err)
}

func respondErrorDetails(w http.ResponseWriter, r *http.Request, status int, apiErr *models.APIError, err error) {
	if err != nil {
		logging.Error().
			Str("code", apiErr.Code).
			Str("error", logging.SanitizeValue(err.Error())).
			Msg("API error")
	}
	md := models.Metadata{Timestamp: time.Now().UTC()}
	if r != nil {
		md = metadata(r)
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: md,
		Error:    apiErr,
	})
}

func respondValidation(w http.ResponseWriter, r *http.Request, verr *validation.RequestValidationError) {
	e := verr.ToAPIError()
	respondErrorDetails(w, r, http.StatusBadRequest, &models.APIError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}, nil)
}

func metadata(r *http.Request) models.Metadata {
	return models.Metadata{
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r.Context()),
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondErrorDetails(w, r, http.StatusBadRequest, &models.APIError{
			Code:    "INVALID_JSON",
			Message: "Request body is not valid JSON",
		}, nil)
		return false
	}
	return true
}

// getIntParam parses a query parameter, returning def when absent and
// false when present but not an integer in [min, max].
func getIntParam(r *http.Request, key string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func badParam(w http.ResponseWriter, r *http.Request, key, message string) {
	respondErrorDetails(w, r, http.StatusBadRequest, &models.APIError{
		Code:    "VALIDATION_ERROR",
		Message: message,
		Details: map[string]interface{}{"field": key},
	}, nil)
}
