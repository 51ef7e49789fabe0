package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeRuntimeError reports err with the status its kind maps to.
func writeRuntimeError(c *echo.Context, err error) error {
	status, errType := statusOf(err)
	return writeError(c, status, errType, err.Error(), "")
}

// decodeJSON reads a request body. An empty body yields the zero value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	body, err := io.ReadAll(r)
	if err != nil {
		return out, fmt.Errorf("read request: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}

// parseID reads a path parameter as a 32-bit handle. Decimal and 0x-prefixed
// hex are accepted.
func parseID(c *echo.Context, name string) (uint32, error) {
	raw := c.Param(name)
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, newInvalidRequest(fmt.Sprintf("%s: %q is not a valid id", name, raw))
	}
	return uint32(v), nil
}

func parseDevice(c *echo.Context, name string) (int, error) {
	raw := c.Param(name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, newInvalidRequest(fmt.Sprintf("%s: %q is not a device index", name, raw))
	}
	return v, nil
}

// timeoutOf turns a request timeout in milliseconds into a duration bounded
// by limit. Zero means def.
func timeoutOf(ms int64, def, limit time.Duration) (time.Duration, error) {
	if ms < 0 {
		return 0, newInvalidRequest("timeout_ms must not be negative")
	}
	if ms == 0 {
		return def, nil
	}
	d := time.Duration(ms) * time.Millisecond
	return min(d, limit), nil
}
