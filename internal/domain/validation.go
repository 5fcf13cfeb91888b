package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinYear is the earliest year the cache accepts
const MinYear = 1900

// symbolPattern keeps symbols safe to embed in file names
var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._^=-]{0,31}$`)

// ValidateSymbol rejects symbols that could escape the data directory
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateYear checks year against the calendar as of now. Future years are rejected.
func ValidateYear(year int, now time.Time) error {
	if year < MinYear || year > now.Year() {
		return fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	return nil
}

// ValidateDay checks a 1-based day of year
func ValidateDay(day int) error {
	if day < 1 || day > DaySlots {
		return fmt.Errorf("%w: %d", ErrInvalidDay, day)
	}
	return nil
}

// DayOfYear returns the 1-based ordinal day of t
func DayOfYear(t time.Time) int {
	return t.YearDay()
}

// ParseDataQuery splits a raw "{symbol}-{year}" query string.
// The split happens on the last '-' so symbols such as BRK-B survive.
func ParseDataQuery(rawQuery string, now time.Time) (string, int, error) {
	query, err := url.QueryUnescape(rawQuery)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	query = strings.TrimSuffix(strings.TrimSpace(query), "=")

	idx := strings.LastIndex(query, "-")
	if idx <= 0 || idx == len(query)-1 {
		return "", 0, fmt.Errorf("%w: expected {symbol}-{year}, got %q", ErrInvalidQuery, query)
	}

	symbol := query[:idx]
	year, err := strconv.Atoi(query[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidYear, query[idx+1:])
	}

	if err := ValidateSymbol(symbol); err != nil {
		return "", 0, err
	}
	if err := ValidateYear(year, now); err != nil {
		return "", 0, err
	}
	return symbol, year, nil
}
