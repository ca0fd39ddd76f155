package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/models"

	"github.com/labstack/echo/v4"
)

const (
	healthInstance = "health-check"
	schemaInstance = "schema"

	maxBodyBytes = 10 << 20
)

const homeText = "PostgreSQL + PostgREST API\n\n" +
	"Available endpoints:\n" +
	"GET /api/users - Get all users\n" +
	"GET /api/users/:id - Get user by ID\n" +
	"POST /api/users - Create a new user\n" +
	"PUT /api/users/:id - Update user\n" +
	"DELETE /api/users/:id - Delete user\n\n" +
	"GET /api/posts - Get all posts\n" +
	"GET /api/posts/:id - Get post by ID\n" +
	"POST /api/posts - Create a new post\n" +
	"PUT /api/posts/:id - Update post\n" +
	"DELETE /api/posts/:id - Delete post\n\n" +
	"GET /api/health - Health check\n" +
	"GET /api/schema - Get database schema\n" +
	"GET /api/lb/* - Load balanced read across the instance pool\n" +
	"GET /api/instances - Instance registry\n"

// HomeHandler lists the available endpoints.
func (s *Server) HomeHandler(ctx echo.Context) error {
	return ctx.String(http.StatusOK, homeText)
}

// HealthHandler reports whether the health-check instance answers on /.
func (s *Server) HealthHandler(ctx echo.Context) error {
	req, err := models.NewProxyRequest(http.MethodGet, "/", nil)
	if err != nil {
		return errorResponse(ctx, healthInstance, err)
	}

	resp, err := s.service.Proxy(ctx.Request().Context(), healthInstance, req)
	switch {
	case errors.Is(err, instance.ErrUnavailable), errors.Is(err, instance.ErrTransport):
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	case err != nil:
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"status":    "error",
			"error":     err.Error(),
			"timestamp": timestamp(),
		})
	case !resp.OK():
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "PostgREST not responding",
		})
	}

	return ctx.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "PostgreSQL + PostgREST is running",
	})
}

// SchemaHandler relays the PostgREST OpenAPI document.
func (s *Server) SchemaHandler(ctx echo.Context) error {
	return s.proxy(ctx, schemaInstance, http.MethodGet, "/", nil)
}

func (s *Server) listHandler(r resource) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		return s.proxy(ctx, r.listName(), http.MethodGet, r.collectionPath(), nil)
	}
}

func (s *Server) getHandler(r resource) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Param("id")
		if id == "" {
			return errorResponse(ctx, r.plural, &InputError{Err: ErrMissingID})
		}
		return s.proxy(ctx, r.itemName(id), http.MethodGet, r.itemPath(id), nil)
	}
}

func (s *Server) createHandler(r resource) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		body, err := readJSON(ctx)
		if err != nil {
			return errorResponse(ctx, r.createName(), err)
		}
		return s.proxy(ctx, r.createName(), http.MethodPost, r.collectionPath(), body)
	}
}

func (s *Server) updateHandler(r resource) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Param("id")
		if id == "" {
			return errorResponse(ctx, r.plural, &InputError{Err: ErrMissingID})
		}
		body, err := readJSON(ctx)
		if err != nil {
			return errorResponse(ctx, r.updateName(id), err)
		}
		return s.proxy(ctx, r.updateName(id), http.MethodPatch, r.itemPath(id), body)
	}
}

func (s *Server) deleteHandler(r resource) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Param("id")
		if id == "" {
			return errorResponse(ctx, r.plural, &InputError{Err: ErrMissingID})
		}
		return s.proxy(ctx, r.deleteName(id), http.MethodDelete, r.itemPath(id), nil)
	}
}

// LoadBalancedHandler relays a read to one member of the instance pool.
func (s *Server) LoadBalancedHandler(ctx echo.Context) error {
	path := "/" + strings.TrimPrefix(ctx.Param("*"), "/")
	if query := ctx.Request().URL.RawQuery; query != "" {
		path += "?" + query
	}

	req, err := models.NewProxyRequest(http.MethodGet, path, nil)
	if err != nil {
		return errorResponse(ctx, "pool", err)
	}

	resp, err := s.service.ProxyPool(ctx.Request().Context(), s.poolSize, req)
	if err != nil {
		return errorResponse(ctx, "pool", err)
	}
	return relay(ctx, resp)
}

// InstancesHandler lists the registry.
func (s *Server) InstancesHandler(ctx echo.Context) error {
	statuses := s.service.Registry().Statuses()
	return ctx.JSON(http.StatusOK, map[string]any{
		"instances": statuses,
		"count":     len(statuses),
	})
}

// EventsHandler lists the recorded events of one instance, newest first.
func (s *Server) EventsHandler(ctx echo.Context) error {
	name := ctx.Param("name")
	if s.events == nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{
			"error": ErrLedgerDisabled.Error(),
		})
	}

	limit := 0
	if raw := ctx.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return errorResponse(ctx, name, &InputError{Err: fmt.Errorf("invalid limit %q", raw)})
		}
		limit = parsed
	}

	events, err := s.events.Events(ctx.Request().Context(), name, limit)
	if err != nil {
		return errorResponse(ctx, name, err)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"name":   name,
		"events": events,
	})
}

func (s *Server) proxy(ctx echo.Context, name, method, path string, body any) error {
	req, err := models.NewProxyRequest(method, path, body)
	if err != nil {
		return errorResponse(ctx, name, err)
	}

	resp, err := s.service.Proxy(ctx.Request().Context(), name, req)
	if err != nil {
		return errorResponse(ctx, name, err)
	}
	return relay(ctx, resp)
}

// readJSON returns the request body as raw JSON so numbers and key order
// reach the backend unchanged. A literal null means no body is forwarded.
func readJSON(ctx echo.Context) (any, error) {
	data, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxBodyBytes))
	if err != nil {
		return nil, &InputError{Err: fmt.Errorf("%w: %w", ErrInvalidJSON, err)}
	}
	if !json.Valid(data) {
		return nil, &InputError{Err: ErrInvalidJSON}
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	return json.RawMessage(data), nil
}
