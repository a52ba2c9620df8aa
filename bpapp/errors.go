/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package bpapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/backpacking/backpacking/journal"
	"go.uber.org/zap"
)

// Error is a JSON-serializable representation of an error.
type Error struct {
	Err             error    `json:"-"`
	HTTPStatus      int      `json:"http_status"`               // recommended HTTP status to send to the client
	Log             string   `json:"-"`                         // optional; for logs, technical context in which the error was produced
	Message         string   `json:"message,omitempty"`         // optional; a human-readable sentence
	Recommendations []string `json:"recommendations,omitempty"` // optional
	Data            any      `json:"data,omitempty"`            // optional; extra data for the client

	// generated; don't fill these out
	ID        string `json:"id,omitempty"` // for associating log entries
	ErrString string `json:"error"`        // to ensure string serialization
}

func (e Error) Error() string {
	var msg strings.Builder
	if e.Log != "" {
		msg.WriteString(e.Log)
		if e.Err != nil {
			msg.WriteString(": ")
		}
	}
	if e.Err != nil {
		msg.WriteString(e.Err.Error())
	}
	if e.Message != "" {
		msg.WriteString(fmt.Sprintf(" (%s)", e.Message))
	}
	if e.ID != "" {
		msg.WriteString(fmt.Sprintf(" {id=%s}", e.ID))
	}
	return msg.String()
}

func (e Error) Unwrap() error { return e.Err }

// httpStatusFromJournalErr maps the error kinds of the journal package
// to a status code.
func httpStatusFromJournalErr(err error, defaultStatus int) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, journal.ErrMissingGeoMetadata):
		return http.StatusUnprocessableEntity
	case errors.Is(err, journal.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, journal.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, journal.ErrUnavailable), errors.Is(err, journal.ErrPoolClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return defaultStatus
}

// ingestionData is what clients learn about a failed ingestion.
func ingestionData(err error) any {
	var ie *journal.IngestionError
	if !errors.As(err, &ie) {
		return nil
	}
	return map[string]string{
		"state":  string(ie.State),
		"reason": ie.Reason,
	}
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var errVal Error
	if !errors.As(err, &errVal) {
		errVal = Error{
			Err: err,
			Log: "error was not well-structured",
		}
	}

	// give this error a unique ID so we can investigate bug reports more easily
	errVal.ID = newErrorID()

	// ensure error is serialized as a string when written to the client
	if errVal.Err != nil {
		errVal.ErrString = errVal.Err.Error()
	}

	// see if we can fill in some default values if they're missing
	if errVal.HTTPStatus == 0 {
		errVal.HTTPStatus = httpStatusFromJournalErr(err, http.StatusInternalServerError)
	}
	if errVal.Data == nil {
		errVal.Data = ingestionData(err)
	}
	if errVal.Message == "" && errVal.Err != nil {
		errVal.Message = errVal.Err.Error()
	}
	if errVal.HTTPStatus >= http.StatusInternalServerError {
		errVal.Recommendations = append(errVal.Recommendations,
			fmt.Sprintf("If it keeps failing, report this error ID along with the server logs: %s", errVal.ID))
	}

	journal.Log.Named("http").Error(errVal.Log,
		zap.Error(errVal.Err),
		zap.Int("status", errVal.HTTPStatus),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("error_id", errVal.ID),
		zap.Any("data", errVal.Data),
	)

	jsonBytes, err := json.Marshal(errVal)
	if err != nil {
		journal.Log.Error("encoding error response",
			zap.Error(err),
			zap.String("original_error", errVal.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(jsonBytes)))
	status := errVal.HTTPStatus
	if status < http.StatusOK {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(jsonBytes)
}

func newErrorID() string {
	const idLen = 8
	return randString(idLen)
}

// randString returns a string of n random lowercase characters, leaving
// out confusing ones like l, 1, 0 and o. It is not secure.
func randString(n int) string {
	if n <= 0 {
		return ""
	}
	dict := []byte("abcdefghjkmnpqrstvwxyz23456789")
	b := make([]byte, n)
	for i := range b {
		b[i] = dict[mathrand.IntN(len(dict))] //nolint:gosec
	}
	return string(b)
}
