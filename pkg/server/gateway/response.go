package gateway

import (
	"errors"
	"net/http"
	"time"

	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"

	"github.com/labstack/echo/v4"
)

// Headers owned by the gateway's own connection to the client.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Upgrade":           true,
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// relay writes a complete backend response to the client.
func relay(ctx echo.Context, resp *models.ProxyResponse) error {
	header := ctx.Response().Header()
	for k, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			header.Add(k, v)
		}
	}

	ctx.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := ctx.Response().Write(resp.Body)
	return err
}

// errorResponse writes the JSON error envelope for a failed request.
func errorResponse(ctx echo.Context, name string, err error) error {
	status := http.StatusInternalServerError
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		status = http.StatusBadRequest
	}

	log.Warn().
		Err(err).
		Str("instance", name).
		Str("request_id", ctx.Response().Header().Get(echo.HeaderXRequestID)).
		Int("status", status).
		Msg("Request failed")

	return ctx.JSON(status, map[string]string{
		"error":     err.Error(),
		"timestamp": timestamp(),
	})
}
