package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FailureToken is what a fetch script prints instead of data when it fails
const FailureToken = "FAILED"

// IsFailureToken reports whether body is the bare or JSON-quoted failure token
func IsFailureToken(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return string(trimmed) == FailureToken || string(trimmed) == `"`+FailureToken+`"`
}

// ParseFetchResult decodes a fetch script's output.
//
// The output is either the failure token or a JSON array of day entries. Null and
// zero entries are placeholders and are skipped. An entry without D takes its array
// index as day of year, which matches scripts that emit a 367-slot array.
func ParseFetchResult(body []byte) ([]DayRecord, error) {
	if IsFailureToken(body) {
		return nil, ErrFetchFailed
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON array: %v", ErrInvalidRecord, err)
	}

	records := make([]DayRecord, 0, len(entries))
	for i, entry := range entries {
		if isNullEntry(entry) {
			continue
		}
		var rec DayRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if rec.Day == 0 {
			rec.Day = i
		}
		if err := ValidateDay(rec.Day); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
