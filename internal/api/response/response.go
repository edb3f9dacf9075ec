// Package response writes the API's JSON envelopes: {"data": ...} for job
// payloads, {"data": [...], "meta": {...}} for job listings and
// {"error": {...}} for failures.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	CodeInternal = "INTERNAL_ERROR"

	internalMessage = "The job service hit an unexpected error"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PaginationMeta describes one page of a user's job listing.
type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// Paginate returns the page of items selected by page and limit, both
// 1-based and already validated, with its meta block.
func Paginate[T any](items []T, page, limit int) ([]T, PaginationMeta) {
	meta := PaginationMeta{Page: page, Limit: limit, Total: len(items)}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}, meta
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	meta.HasNext = end < len(items)
	return items[start:end], meta
}

func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, envelope{Data: data})
}

// Accepted reports work handed to the pipeline: a queued job, a thaw request
// or a vault notice.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	write(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// InternalError writes the 500 body. The cause is logged by the caller and
// never returned to the client.
func InternalError(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternal, internalMessage, nil)
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response body", "status", status, "error", err)
	}
}
