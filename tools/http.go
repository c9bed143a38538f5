package tools

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	oauth "github.com/giantswarm/mcp-time-oauth"
	"github.com/giantswarm/mcp-time-oauth/guard"
)

// maxArgumentsBytes bounds a tool call request body.
const maxArgumentsBytes = 64 << 10

// HTTPHandler serves the tools as plain JSON endpoints.
type HTTPHandler struct {
	registry *Registry
	guard    *guard.Guard
	logger   *slog.Logger
}

// NewHTTPHandler creates the JSON tool endpoints guarded by g.
func NewHTTPHandler(registry *Registry, g *guard.Guard, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{registry: registry, guard: g, logger: logger}
}

// Mount registers GET /tools (public) and POST /tools/{name} (guarded).
func (h *HTTPHandler) Mount(r chi.Router) {
	r.Get("/tools", h.ServeList)
	r.With(h.guard.Middleware).Post("/tools/{name}", h.ServeCall)
}

type toolListResponse struct {
	Tools []Definition `json:"tools"`
}

// ServeList lists tool names, arguments and required scopes.
func (h *HTTPHandler) ServeList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toolListResponse{Tools: h.registry.Definitions()})
}

// ServeCall runs a tool with the JSON object in the request body as arguments.
func (h *HTTPHandler) ServeCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := h.registry.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, oauth.ErrorResponse{
			Error:            "not_found",
			ErrorDescription: "unknown tool: " + name,
		})
		return
	}

	args, err := decodeArguments(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, oauth.ErrorResponse{
			Error:            oauth.ErrorCodeInvalidRequest,
			ErrorDescription: err.Error(),
		})
		return
	}

	result, err := h.registry.Call(r.Context(), name, args)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, guard.ErrUnauthorized):
		h.guard.WriteUnauthorized(w, "Missing Authorization header")
	case errors.Is(err, guard.ErrInsufficientScope):
		h.guard.WriteInsufficientScope(w, def.Scope)
	case errors.Is(err, ErrInvalidArguments):
		writeJSON(w, http.StatusBadRequest, oauth.ErrorResponse{
			Error:            oauth.ErrorCodeInvalidRequest,
			ErrorDescription: err.Error(),
		})
	default:
		h.logger.Error("Tool call failed", "tool", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, oauth.ErrorResponse{
			Error:            oauth.ErrorCodeServerError,
			ErrorDescription: "tool call failed",
		})
	}
}

// decodeArguments reads a JSON object. An empty body means no arguments.
func decodeArguments(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxArgumentsBytes+1))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(body) > maxArgumentsBytes {
		return nil, errors.New("request body too large")
	}
	args := map[string]any{}
	if len(body) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return args, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
