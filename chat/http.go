// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/turn"
)

// API serves the chat routes over HTTP. Conversations are addressed
// by key; event streams are server-sent events resumable with the
// Last-Event-ID header.
type API struct {
	service *Service
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewAPI builds the HTTP surface over the given service.
func NewAPI(service *Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	api := &API{service: service, logger: logger, mux: http.NewServeMux()}

	api.mux.HandleFunc("GET /healthz", api.handleHealth)
	api.mux.HandleFunc("POST /api/chats", api.handleCreateChat)
	api.mux.HandleFunc("GET /api/chats", api.handleListChats)
	api.mux.HandleFunc("POST /api/chats/{key}/turns", api.handleStartTurn)
	api.mux.HandleFunc("POST /api/chats/{key}/approvals/{id}", api.handleApprove)
	api.mux.HandleFunc("POST /api/chats/{key}/abort", api.handleAbort)
	api.mux.HandleFunc("POST /api/chats/{key}/reset", api.handleReset)
	api.mux.HandleFunc("GET /api/chats/{key}/status", api.handleStatus)
	api.mux.HandleFunc("GET /api/chats/{key}/transcript", api.handleTranscript)
	api.mux.HandleFunc("GET /api/chats/{key}/events", api.handleEvents)
	return api
}

func (api *API) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	api.mux.ServeHTTP(writer, request)
}

func (api *API) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if err := api.service.Healthy(request.Context()); err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) handleCreateChat(writer http.ResponseWriter, request *http.Request) {
	api.writeJSON(writer, http.StatusCreated, map[string]string{"key": api.service.NewChatKey()})
}

func (api *API) handleListChats(writer http.ResponseWriter, request *http.Request) {
	api.writeJSON(writer, http.StatusOK, map[string][]string{"keys": api.service.Keys()})
}

func (api *API) handleStartTurn(writer http.ResponseWriter, request *http.Request) {
	var turnRequest TurnRequest
	if !api.decodeBody(writer, request, &turnRequest) {
		return
	}
	if turnRequest.Prompt == "" {
		api.writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	if err := api.service.StartTurn(request.Context(), request.PathValue("key"), turnRequest); err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (api *API) handleApprove(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Decision agent.Decision `json:"decision"`
	}
	if !api.decodeBody(writer, request, &body) {
		return
	}
	switch body.Decision {
	case agent.DecisionApproved, agent.DecisionApprovedForSession, agent.DecisionDenied, agent.DecisionAbort:
	default:
		api.writeJSON(writer, http.StatusBadRequest,
			map[string]string{"error": "unknown decision " + string(body.Decision)})
		return
	}
	err := api.service.Approve(request.Context(),
		request.PathValue("key"), request.PathValue("id"), body.Decision)
	if err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, map[string]string{"status": "resolved"})
}

func (api *API) handleAbort(writer http.ResponseWriter, request *http.Request) {
	if err := api.service.Abort(request.Context(), request.PathValue("key")); err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, map[string]string{"status": "aborted"})
}

func (api *API) handleReset(writer http.ResponseWriter, request *http.Request) {
	if err := api.service.Reset(request.Context(), request.PathValue("key")); err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, map[string]string{"status": "reset"})
}

func (api *API) handleStatus(writer http.ResponseWriter, request *http.Request) {
	status, err := api.service.Status(request.Context(), request.PathValue("key"))
	if err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, status)
}

func (api *API) handleTranscript(writer http.ResponseWriter, request *http.Request) {
	messages, err := api.service.Transcript(request.PathValue("key"))
	if err != nil {
		api.writeError(writer, err)
		return
	}
	api.writeJSON(writer, http.StatusOK, map[string]any{"messages": messages})
}

func (api *API) handleEvents(writer http.ResponseWriter, request *http.Request) {
	api.service.EventsHandler(request.PathValue("key")).ServeHTTP(writer, request)
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func (api *API) decodeBody(writer http.ResponseWriter, request *http.Request, target any) bool {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		api.writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "decoding request: " + err.Error()})
		return false
	}
	return true
}

// writeError maps service errors to HTTP statuses: conflict for a
// busy runner, not found for unknown keys and approvals, bad gateway
// when the daemon is unreachable.
func (api *API) writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, turn.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, turn.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		api.logger.Error("request failed", "error", err)
	}
	api.writeJSON(writer, status, map[string]string{"error": err.Error()})
}

func (api *API) writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		api.logger.Warn("encoding response", "error", err)
	}
}
