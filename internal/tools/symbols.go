package tools

import (
	"errors"
	"fmt"
	"strings"
)

// maxSymbolsPerCall caps the tickers a single tool call may name.
const maxSymbolsPerCall = 10

// normalizeSymbols uppercases, trims and dedupes while keeping order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// validateSymbols aggregates every problem with a symbol list into one
// validation error instead of stopping at the first.
func validateSymbols(symbols []string) error {
	var errs []error
	if len(symbols) == 0 {
		errs = append(errs, errors.New("symbols must not be empty"))
	}
	if len(symbols) > maxSymbolsPerCall {
		errs = append(errs, fmt.Errorf("at most %d symbols per call, got %d", maxSymbolsPerCall, len(symbols)))
	}
	for i, s := range symbols {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			errs = append(errs, fmt.Errorf("symbol %d is blank", i))
			continue
		}
		if len(trimmed) > 12 {
			errs = append(errs, fmt.Errorf("symbol %q too long", trimmed))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}
