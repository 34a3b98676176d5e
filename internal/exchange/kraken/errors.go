package kraken

import (
	"fmt"
	"strings"

	"gridbot/internal/core"
)

// apiError turns Kraken's error strings into typed errors where the
// engine reacts to them, and a plain error otherwise.
func apiError(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	joined := strings.Join(errs, "; ")
	for _, e := range errs {
		switch {
		case strings.Contains(e, "EOrder:Unknown order"):
			return fmt.Errorf("%s: %w", joined, core.ErrUnknownOrder)
		case strings.Contains(e, "EOrder:Insufficient funds"):
			return fmt.Errorf("%s: %w", joined, core.ErrInsufficientFunds)
		case strings.Contains(e, "EGeneral:Permission denied"):
			return fmt.Errorf("%s: %w", joined, core.ErrConfiguration)
		}
	}
	return fmt.Errorf("kraken api error: %s", joined)
}
