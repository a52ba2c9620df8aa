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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const lowestErrorStatus = http.StatusBadRequest

type server struct {
	app *App

	log *zap.Logger

	ln         net.Listener
	httpServer *http.Server

	router chi.Router
}

func (s server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rec := caddyhttp.NewResponseRecorder(w, nil, nil)

	w.Header().Set("Server", "Backpacking")

	defer func() {
		logFn := s.log.Info
		if rec.Status() >= lowestErrorStatus {
			logFn = s.log.Error
		}

		// the log message is intentionally specific to bust log sampling here
		logFn(r.Method+" "+r.RequestURI,
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.Status()),
			zap.Int("size", rec.Size()),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	s.router.ServeHTTP(rec, r)
}

func (s server) routes() chi.Router {
	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handleError(w, r, Error{
			Err:        errNoRoute(r),
			HTTPStatus: http.StatusNotFound,
			Message:    "There is nothing at this address.",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handleError(w, r, Error{
			Err:        errNoRoute(r),
			HTTPStatus: http.StatusMethodNotAllowed,
		})
	})

	r.Route("/api/travels", func(r chi.Router) {
		r.Method(http.MethodPost, "/", wrapErrorHandler(handlerFunc(s.app.handleCreateTravel)))
		r.Route("/{travelID}", func(r chi.Router) {
			r.Method(http.MethodGet, "/", wrapErrorHandler(handlerFunc(s.app.handleGetTravel)))
			r.Method(http.MethodGet, "/pictures", wrapErrorHandler(handlerFunc(s.app.handleListPictures)))
			r.Method(http.MethodPost, "/pictures", wrapErrorHandler(handlerFunc(s.app.handleUploadPicture)))
			r.Method(http.MethodGet, "/pictures/{pictureID}", wrapErrorHandler(handlerFunc(s.app.handleGetPicture)))
			r.Method(http.MethodDelete, "/pictures/{pictureID}", wrapErrorHandler(handlerFunc(s.app.handleDeletePicture)))
			r.Method(http.MethodPost, "/pictures/{pictureID}/set-as-cover", wrapErrorHandler(handlerFunc(s.app.handleSetCover)))
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// originals and variants, at the URLs the API hands out
	if s.app.cfg.ServeUploads {
		public := "/" + strings.Trim(s.app.cfg.PublicPath, "/")
		files := http.StripPrefix(public, http.FileServer(http.Dir(s.app.storage.Root())))
		r.Method(http.MethodGet, public+"/*", files)
		r.Method(http.MethodHead, public+"/*", files)
	}

	return r
}
