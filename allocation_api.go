/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

const (
	// Maximum size of a posted conference descriptor.
	maxAllocationBodySize = 256 * 1024
)

// AllocationApi exposes the scheduler over HTTP. Organizers post
// descriptors with a bearer token bound to the conference address they
// manage, so a token for one conference can never modify another.
type AllocationApi struct {
	logger    Logger
	scheduler *Scheduler
}

func NewAllocationApi(logger Logger, scheduler *Scheduler) *AllocationApi {
	return &AllocationApi{
		logger:    logger,
		scheduler: scheduler,
	}
}

func (a *AllocationApi) RegisterHandlers(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/conferences", a.allocateConference).Methods("POST")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

// httpStatusFromError maps the stable error codes to HTTP status codes for
// the scheduling surface.
func httpStatusFromError(err error) int {
	var cerr *Error
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError
	}

	switch cerr.Code {
	case ErrorCodeForbidden, ErrorCodeNotAllowed:
		return http.StatusForbidden
	case ErrorCodeGone:
		return http.StatusGone
	case ErrorCodeNotAcceptable:
		return http.StatusNotAcceptable
	default:
		return http.StatusBadRequest
	}
}

func (a *AllocationApi) allocateConference(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "No organizer token provided.", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAllocationBodySize))
	if err != nil {
		http.Error(w, "Could not read request.", http.StatusBadRequest)
		return
	}

	var descriptor ConferenceDescriptor
	if err := json.Unmarshal(body, &descriptor); err != nil {
		http.Error(w, "Invalid conference descriptor.", http.StatusBadRequest)
		return
	}

	if err := a.scheduler.AllocateAuthorized(r.Context(), token, &descriptor); err != nil {
		a.logger.Printf("Could not allocate conference %s: %s", descriptor.Address, err)
		http.Error(w, err.Error(), httpStatusFromError(err))
		return
	}

	// Return the stored form, the scheduler may have assigned the token
	// and bumped the revision.
	response, err := json.Marshal(&descriptor)
	if err != nil {
		http.Error(w, "Could not marshal response.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(response) // nolint
}
