package testing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/pricehub/internal/domain"
)

// NewDayFixtures returns n consecutive trading days starting at day 1.
// Every fifth day carries a provider-specific extra field.
func NewDayFixtures(n int) []domain.DayRecord {
	return NewDayFixturesFrom(1, n)
}

// NewDayFixturesFrom returns n consecutive days starting at first
func NewDayFixturesFrom(first, n int) []domain.DayRecord {
	days := make([]domain.DayRecord, 0, n)
	for i := 0; i < n; i++ {
		day := first + i
		base := 100 + float64(day)*0.5
		rec := domain.DayRecord{
			Day:    day,
			Open:   base,
			High:   base + 2,
			Low:    base - 1.5,
			Close:  base + 0.75,
			Volume: float64(1000000 + day*10),
		}
		if day%5 == 0 {
			rec.Extra = map[string]json.RawMessage{
				"Dividends": json.RawMessage(`0.12`),
			}
		}
		days = append(days, rec)
	}
	return days
}

// FetchOutput renders records the way a fetch script prints them, with D on every entry
func FetchOutput(records []domain.DayRecord) []byte {
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			panic(err)
		}
		// Splice D in front of the core fields
		parts = append(parts, fmt.Sprintf(`{"D":%d,%s`, rec.Day, strings.TrimPrefix(string(body), "{")))
	}
	return []byte("[" + strings.Join(parts, ",") + "]")
}
