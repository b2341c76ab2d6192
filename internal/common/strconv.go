package common

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ParseID parses a positive integer identifier from a path or query value.
func ParseID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewAppError("INVALID_ID", fmt.Sprintf("invalid id %q", value), http.StatusBadRequest, err)
	}
	return id, nil
}
