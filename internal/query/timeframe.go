package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
)

var ErrInvalidTimeframe = errors.New("invalid timeframe")

const DefaultTimeframe = "last 24 hours"

const day = 24 * time.Hour

var timeframes = map[string]time.Duration{
	"last 24 hours": day,
	"last 7 days":   7 * day,
	"last 30 days":  30 * day,
	"last year":     365 * day,
}

// Timeframes lists the accepted names, shortest first.
func Timeframes() []string {
	return []string{"last 24 hours", "last 7 days", "last 30 days", "last year"}
}

// ParseTimeframe accepts the named trailing periods, case-insensitively. Empty means the default.
func ParseTimeframe(s string) (inference.Period, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		name = DefaultTimeframe
	}
	d, ok := timeframes[name]
	if !ok {
		return inference.Period{}, fmt.Errorf("%w: %q (want one of %s)", ErrInvalidTimeframe, s, strings.Join(Timeframes(), ", "))
	}
	return inference.Period{Name: name, Length: d}, nil
}
