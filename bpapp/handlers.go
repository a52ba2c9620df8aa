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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/backpacking/backpacking/journal"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// uploadField is the multipart form field holding the picture.
const uploadField = "picture"

var validate = validator.New()

func errNoRoute(r *http.Request) error {
	return fmt.Errorf("no route for %s %s", r.Method, r.URL.Path)
}

type createTravelRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
}

func (a *App) handleCreateTravel(w http.ResponseWriter, r *http.Request) error {
	var req createTravelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Error{
			Err:        fmt.Errorf("%w: %w", journal.ErrInvalidInput, err),
			HTTPStatus: http.StatusBadRequest,
			Log:        "Decoding request body",
			Message:    "The request body must be a JSON object.",
		}
	}
	if err := validate.Struct(req); err != nil {
		return Error{
			Err:        fmt.Errorf("%w: %w", journal.ErrInvalidInput, err),
			HTTPStatus: http.StatusBadRequest,
			Log:        "Validating travel",
			Message:    "A travel needs a name of at most 200 characters.",
		}
	}

	travel := &journal.Travel{Name: req.Name, Description: req.Description}
	if err := a.db.CreateTravel(r.Context(), travel); err != nil {
		return Error{Err: err, Log: "Creating travel"}
	}
	return jsonResponse(w, http.StatusCreated, travel, nil)
}

func (a *App) handleGetTravel(w http.ResponseWriter, r *http.Request) error {
	travelID, err := pathID(r, "travelID")
	if err != nil {
		return err
	}
	travel, err := a.db.Travel(r.Context(), travelID)
	if err != nil {
		return Error{Err: err, Log: "Loading travel"}
	}
	return jsonResponse(w, http.StatusOK, travel, nil)
}

func (a *App) handleListPictures(w http.ResponseWriter, r *http.Request) error {
	travelID, err := pathID(r, "travelID")
	if err != nil {
		return err
	}
	pics, err := a.ingestor.Pictures(r.Context(), travelID)
	if err != nil {
		return Error{Err: err, Log: "Listing pictures"}
	}
	return jsonResponse(w, http.StatusOK, pics, nil)
}

func (a *App) handleUploadPicture(w http.ResponseWriter, r *http.Request) error {
	travelID, err := pathID(r, "travelID")
	if err != nil {
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		return Error{
			Err:        fmt.Errorf("%w: %w", journal.ErrInvalidInput, err),
			HTTPStatus: http.StatusBadRequest,
			Log:        "Reading upload",
			Message:    fmt.Sprintf("Upload the picture as multipart/form-data in the %q field.", uploadField),
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return Error{
				Err:        fmt.Errorf("%w: no %q field in upload", journal.ErrInvalidInput, uploadField),
				HTTPStatus: http.StatusBadRequest,
				Log:        "Reading upload",
				Message:    fmt.Sprintf("Upload the picture in the %q field.", uploadField),
			}
		}
		if err != nil {
			return Error{
				Err:        fmt.Errorf("%w: %w", journal.ErrInvalidInput, err),
				HTTPStatus: httpStatusFromJournalErr(err, http.StatusBadRequest),
				Log:        "Reading upload",
			}
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		pic, err := a.ingestor.Ingest(r.Context(), travelID, journal.Upload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			return Error{Err: err, Log: "Ingesting picture"}
		}
		return jsonResponse(w, http.StatusCreated, pic, nil)
	}
}

func (a *App) handleGetPicture(w http.ResponseWriter, r *http.Request) error {
	travelID, pictureID, err := pictureIDs(r)
	if err != nil {
		return err
	}
	pic, err := a.ingestor.Picture(r.Context(), travelID, pictureID)
	if err != nil {
		return Error{Err: err, Log: "Loading picture"}
	}
	return jsonResponse(w, http.StatusOK, pic, nil)
}

func (a *App) handleSetCover(w http.ResponseWriter, r *http.Request) error {
	travelID, pictureID, err := pictureIDs(r)
	if err != nil {
		return err
	}
	if err := a.ingestor.SetCoverPicture(r.Context(), travelID, pictureID); err != nil {
		return Error{Err: err, Log: "Setting cover picture"}
	}
	travel, err := a.db.Travel(r.Context(), travelID)
	return jsonResponse(w, http.StatusOK, travel, err)
}

func (a *App) handleDeletePicture(w http.ResponseWriter, r *http.Request) error {
	travelID, pictureID, err := pictureIDs(r)
	if err != nil {
		return err
	}
	existed, err := a.ingestor.DeletePicture(r.Context(), travelID, pictureID)
	if err != nil {
		return Error{Err: err, Log: "Deleting picture"}
	}
	if !existed {
		a.log.Named("http").Warn("deleted picture had no folder on disk", zap.Int64("picture_id", pictureID))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func pictureIDs(r *http.Request) (travelID, pictureID int64, err error) {
	travelID, err = pathID(r, "travelID")
	if err != nil {
		return 0, 0, err
	}
	pictureID, err = pathID(r, "pictureID")
	return travelID, pictureID, err
}
