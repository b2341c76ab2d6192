package localline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ErrNoPackage is returned when a catalog product has no packages to price.
var ErrNoPackage = errors.New("localline: product has no packages")

// APIError is a non-2xx response from the catalog API.
type APIError struct {
	Op         string
	Status     int
	StatusText string
	Detail     string
}

// Error renders the compact form "HTTP <status> <text> – <detail>".
func (e *APIError) Error() string {
	msg := fmt.Sprintf("localline: %s: HTTP %d %s", e.Op, e.Status, e.StatusText)
	if e.Detail != "" {
		msg += " – " + e.Detail
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the catalog API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the catalog API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

func newAPIError(op string, resp *http.Response, body []byte) *APIError {
	text := http.StatusText(resp.StatusCode)
	if parts := strings.SplitN(resp.Status, " ", 2); len(parts) == 2 && parts[1] != "" {
		text = parts[1]
	}
	return &APIError{Op: op, Status: resp.StatusCode, StatusText: text, Detail: errorDetail(body)}
}

const maxDetailBytes = 200

func errorDetail(body []byte) string {
	var payload struct {
		Detail any    `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if raw, err := json.Marshal(d); err == nil {
				return string(raw)
			}
		}
		if payload.Title != "" {
			return payload.Title
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailBytes {
		cut := maxDetailBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
