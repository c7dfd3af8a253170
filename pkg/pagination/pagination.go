package pagination

import (
	"fmt"
	"strconv"

	"chatcall-backend/pkg/constants"
)

// Constants
const (
	DefaultLimit = constants.DefaultPageSize
	MaxLimit     = constants.MaxPageSize
)

// Params is a limit/offset window over a newest-first listing
type Params struct {
	Limit  int
	Offset int
}

// ParseOffsetParams parses limit and offset query values. An empty limit
// means DefaultLimit and limits above MaxLimit are capped; anything
// non-numeric or negative is rejected.
func ParseOffsetParams(limitStr, offsetStr string) (Params, error) {
	p := Params{Limit: DefaultLimit}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			return Params{}, fmt.Errorf("invalid limit parameter %q", limitStr)
		}
		p.Limit = min(l, MaxLimit)
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil || o < 0 {
			return Params{}, fmt.Errorf("invalid offset parameter %q", offsetStr)
		}
		p.Offset = o
	}

	return p, nil
}

// Normalize clamps a window that did not come through ParseOffsetParams
func Normalize(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
