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

package journal

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by this package wraps one of
// these so callers can classify it with errors.Is.
var (
	// ErrInvalidInput: the upload or an argument is unusable (non-image
	// MIME type, undecodable pixels, unsafe path).
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingGeoMetadata: the image has no usable GPS position.
	ErrMissingGeoMetadata = errors.New("missing EXIF info")

	// ErrEncodingFailure: the WebP encoder (or a fallback encode) failed.
	ErrEncodingFailure = errors.New("encoding failed")

	// ErrEncoderTimeout: the WebP encoder ran past its time budget. It is
	// handled the same as ErrEncodingFailure.
	ErrEncoderTimeout = errors.New("encoder timed out")

	// ErrStorageFailure: a filesystem or database operation failed.
	ErrStorageFailure = errors.New("storage failure")

	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrUnavailable = errors.New("temporarily unavailable")
	ErrPoolClosed  = errors.New("worker pool is shut down")
)

// IngestState is a step of the per-upload state machine.
type IngestState string

const (
	StateValidating         IngestState = "validating"
	StateExtractingMetadata IngestState = "extracting_metadata"
	StateStoring            IngestState = "storing"
	StateGeneratingVariants IngestState = "generating_variants"
	StatePersisting         IngestState = "persisting"
	StateDone               IngestState = "done"
	StateFailed             IngestState = "failed"
)

// IngestionError is the terminal Failed state of an ingestion. State is
// the step that failed; Kind is one of the Err* kinds above.
type IngestionError struct {
	State  IngestState
	Kind   error
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	msg := fmt.Sprintf("ingestion failed while %s: %s", e.State, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *IngestionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func failed(state IngestState, kind error, reason string, err error) *IngestionError {
	return &IngestionError{State: state, Kind: kind, Reason: reason, Err: err}
}

// kindOf returns the first error kind err wraps, or ErrStorageFailure
// if it wraps none of them.
func kindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidInput,
		ErrMissingGeoMetadata,
		ErrNotFound,
		ErrForbidden,
		ErrUnavailable,
		ErrPoolClosed,
		ErrEncoderTimeout,
		ErrEncodingFailure,
		ErrStorageFailure,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStorageFailure
}
