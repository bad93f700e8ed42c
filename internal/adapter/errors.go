package adapter

import (
	"fmt"

	"crossspread-arb-engine/internal/apperr"
)

func rateLimitError(venue string, status int) error {
	return apperr.NewRateLimit(venue, fmt.Errorf("http %d", status))
}

func apiError(venue string, status int) error {
	e := apperr.NewAPI(venue, fmt.Sprintf("http_%d", status), fmt.Errorf("http %d", status))
	return e
}
