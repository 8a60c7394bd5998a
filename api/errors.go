package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"

	"github.com/incitrack/incitrack/incident"
)

const (
	maxAuthBodySize  = 16 << 10
	maxSmallBodySize = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: msg})
}

// writeInternalError logs err with the caller's file and line and sends a
// generic 500. Error detail never reaches the response body.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	file, line := "unknown", 0
	if _, f, l, ok := runtime.Caller(1); ok {
		file, line = filepath.Base(f), l
	}
	a.logger.ErrorContext(r.Context(), msg,
		"error", err,
		"file", file,
		"line", line,
		"path", r.URL.Path,
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, incident.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, incident.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, incident.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternalError(w, r, "request failed", err)
	}
}

// decodeJSON reads a size-limited JSON body into a T. On failure it writes a
// 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return v, false
	}
	return v, true
}
