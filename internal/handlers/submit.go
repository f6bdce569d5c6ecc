package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/internal/bus"
	"relay/internal/correlator"
	"relay/internal/ids"
	"relay/internal/logger"
	"relay/internal/middleware"
	"relay/internal/models"
	"relay/internal/registry"
)

// Submitter is the bus surface the handlers drive.
type Submitter interface {
	Execute(ctx context.Context, cmd models.Command, mode correlator.ReplyMode) (correlator.CommandResult, error)
	Query(ctx context.Context, q models.Query) (correlator.QueryResult, error)
}

var _ Submitter = (*bus.Bus)(nil)

// Config holds configuration for the message handlers
type Config struct {
	Bus         Submitter
	Registry    *registry.Registry
	MaxBodySize int64
	// DefaultReplyMode applies when a command request names none.
	DefaultReplyMode correlator.ReplyMode
}

// MessageHandler accepts commands and queries over HTTP and runs them
// through the bus.
type MessageHandler struct {
	bus         Submitter
	registry    *registry.Registry
	maxBodySize int64
	defaultMode correlator.ReplyMode
}

func New(cfg Config) *MessageHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20 // 1MB default
	}
	return &MessageHandler{
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		maxBodySize: maxBodySize,
		defaultMode: cfg.DefaultReplyMode,
	}
}

// Register mounts the handlers on mux.
func (h *MessageHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /commands", h.HandleCommand)
	mux.HandleFunc("POST /queries", h.HandleQuery)
	mux.HandleFunc("GET /handlers", h.HandleBindings)
}

// Request is the JSON body accepted by both endpoints. Type is a registered
// type code or its short name; Payload is the message JSON, whose id and
// timestamp are filled in when absent.
type Request struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	ReplyMode string          `json:"reply_mode,omitempty"`
}

func (h *MessageHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := h.decode(w, r)
	if !ok {
		return
	}
	cmd, isCmd := msg.(models.Command)
	if !isCmd {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a command", req.Type))
		return
	}

	mode := h.defaultMode
	if req.ReplyMode != "" {
		var err error
		if mode, err = correlator.ParseReplyMode(req.ReplyMode); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := h.bus.Execute(r.Context(), cmd, mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	switch {
	case mode == correlator.ReplyNone && res.Status == correlator.StatusSuccess:
		status = http.StatusAccepted
	case res.Failure != nil:
		status = failureStatus(res.Failure.Code)
	}
	reqLog := logger.WithRequestID(middleware.RequestIDFrom(r.Context()))
	reqLog.Debug().
		Str("command_id", res.CommandID).
		Str("status", string(res.Status)).
		Msg("command executed")
	h.writeJSON(w, status, res)
}

func (h *MessageHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := h.decode(w, r)
	if !ok {
		return
	}
	q, isQuery := msg.(models.Query)
	if !isQuery {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a query", req.Type))
		return
	}

	res, err := h.bus.Query(r.Context(), q)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if res.Failure != nil {
		status = failureStatus(res.Failure.Code)
	}
	h.writeJSON(w, status, res)
}

// HandleBindings lists registered handlers per message type.
func (h *MessageHandler) HandleBindings(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"bindings": h.registry.Describe(),
		"types":    h.registry.Types().Codes(),
	})
}

func (h *MessageHandler) decode(w http.ResponseWriter, r *http.Request) (Request, models.Message, bool) {
	var req Request

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return req, nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return req, nil, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, nil, false
	}
	if req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "type is required")
		return req, nil, false
	}

	payload, err := withIdentity(req.Payload)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "payload: "+err.Error())
		return req, nil, false
	}
	msg, err := h.registry.Types().Decode(req.Type, payload)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, models.ErrUnknownType) {
			status = http.StatusNotFound
		}
		h.writeError(w, status, err.Error())
		return req, nil, false
	}
	return req, msg, true
}

// withIdentity fills in the id and timestamp fields of a payload object.
func withIdentity(payload json.RawMessage) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
	}

	var id string
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	if id == "" {
		fields["id"], _ = json.Marshal(ids.New())
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"], _ = json.Marshal(time.Now().UTC())
	}
	return json.Marshal(fields)
}

func failureStatus(code models.FailureCode) int {
	switch code {
	case models.CodeHandlerNotFound:
		return http.StatusNotFound
	case models.CodeVersionConflict, models.CodeDuplicateCommand:
		return http.StatusConflict
	case models.CodeTimeout:
		return http.StatusGatewayTimeout
	case models.CodeCanceled, models.CodePublishFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *MessageHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (h *MessageHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
