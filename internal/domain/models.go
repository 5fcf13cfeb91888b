// Package domain provides core domain models and types.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DaySlots is the number of day-of-year slots in a year series (covers leap years)
const DaySlots = 366

// Core field keys of a serialized day entry
const (
	FieldDay    = "D"
	FieldClose  = "C"
	FieldOpen   = "O"
	FieldHigh   = "H"
	FieldLow    = "L"
	FieldVolume = "V"
)

// coreFields lists the keys that never end up in DayRecord.Extra
var coreFields = map[string]bool{
	FieldDay:    true,
	FieldClose:  true,
	FieldOpen:   true,
	FieldHigh:   true,
	FieldLow:    true,
	FieldVolume: true,
}

// DayRecord is one trading day of a price series.
//
// Extra holds provider-specific fields beyond the five core values. On the wire
// they are merged in as siblings of C, O, H, L and V.
type DayRecord struct {
	Extra  map[string]json.RawMessage
	Day    int // 1-based day of year; 0 when the entry did not carry D
	Close  float64
	Open   float64
	High   float64
	Low    float64
	Volume float64
}

// MarshalJSON writes the archival slot form: core fields plus extras, no D.
// Keys are emitted in sorted order so identical records give identical bytes.
func (r DayRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+5)
	for k, v := range r.Extra {
		if coreFields[k] {
			continue
		}
		out[k] = v
	}

	for key, value := range map[string]float64{
		FieldClose:  r.Close,
		FieldOpen:   r.Open,
		FieldHigh:   r.High,
		FieldLow:    r.Low,
		FieldVolume: r.Volume,
	} {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}
		out[key] = b
	}

	return json.Marshal(out)
}

// UnmarshalJSON reads a day entry shaped {D?, C, O, H, L, V, ...extra}.
// All five core fields are required; D is optional.
func (r *DayRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null entry", ErrInvalidRecord)
	}

	rec := DayRecord{}
	targets := map[string]*float64{
		FieldClose:  &rec.Close,
		FieldOpen:   &rec.Open,
		FieldHigh:   &rec.High,
		FieldLow:    &rec.Low,
		FieldVolume: &rec.Volume,
	}
	for key, dst := range targets {
		v, ok := raw[key]
		if !ok {
			return fmt.Errorf("%w: missing field %s", ErrInvalidRecord, key)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidRecord, key, err)
		}
	}

	if v, ok := raw[FieldDay]; ok {
		if err := json.Unmarshal(v, &rec.Day); err != nil {
			return fmt.Errorf("%w: field D: %v", ErrInvalidRecord, err)
		}
	}

	for k, v := range raw {
		if coreFields[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]json.RawMessage)
		}
		rec.Extra[k] = v
	}

	*r = rec
	return nil
}

// ExtraJSON returns the serialized extra mapping, "{}" when empty
func (r DayRecord) ExtraJSON() (string, error) {
	if len(r.Extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(r.Extra)
	if err != nil {
		return "", fmt.Errorf("failed to encode extra fields: %w", err)
	}
	return string(b), nil
}

// SetExtraJSON replaces Extra with the decoded text column value
func (r *DayRecord) SetExtraJSON(s string) error {
	r.Extra = nil
	if s == "" || s == "{}" {
		return nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &extra); err != nil {
		return fmt.Errorf("failed to decode extra fields: %w", err)
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return nil
}

// YearBlob is a 366-slot year series indexed by day-of-year minus one.
// Nil slots are days without data and serialize as null.
type YearBlob []*DayRecord

// NewYearBlob returns an empty blob with every slot absent
func NewYearBlob() YearBlob {
	return make(YearBlob, DaySlots)
}

// Set places rec in the slot for rec.Day
func (b YearBlob) Set(rec DayRecord) error {
	if err := ValidateDay(rec.Day); err != nil {
		return err
	}
	r := rec
	b[rec.Day-1] = &r
	return nil
}

// Get returns the record for day, or nil when the slot is empty
func (b YearBlob) Get(day int) *DayRecord {
	if day < 1 || day > len(b) {
		return nil
	}
	return b[day-1]
}

// Filled returns the number of non-null slots
func (b YearBlob) Filled() int {
	n := 0
	for _, rec := range b {
		if rec != nil {
			n++
		}
	}
	return n
}

// Records returns the present records in day order
func (b YearBlob) Records() []DayRecord {
	out := make([]DayRecord, 0, b.Filled())
	for _, rec := range b {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// DecodeYearBlob parses an archival blob and stamps each record with its day
func DecodeYearBlob(data []byte) (YearBlob, error) {
	var slots []json.RawMessage
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("failed to decode year blob: %w", err)
	}
	if len(slots) != DaySlots {
		return nil, fmt.Errorf("year blob has %d slots, want %d", len(slots), DaySlots)
	}

	blob := NewYearBlob()
	for i, slot := range slots {
		if isNullEntry(slot) {
			continue
		}
		var rec DayRecord
		if err := json.Unmarshal(slot, &rec); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i+1, err)
		}
		rec.Day = i + 1
		blob[i] = &rec
	}
	return blob, nil
}

func isNullEntry(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("0"))
}

// TaskState is the lifecycle state of a fetch task
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
)

// Task is a unit of scheduled fetch work for one (symbol, year)
type Task struct {
	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	Symbol     string     `json:"symbol"`
	State      TaskState  `json:"state"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ID         int64      `json:"task_id"`
	Year       int        `json:"year"`
	Begin      int        `json:"begin"`
	RetryCount int        `json:"retry_count"`
}

// FetchArgs is the argument document handed to a fetch script on stdin
type FetchArgs struct {
	Symbol   string `json:"Symbol"`
	Year     int    `json:"Year"`
	Begin    int    `json:"Begin"`
	Interval string `json:"Interval"`
}

// TaskAssignment is the /api/request response for a claimed task
type TaskAssignment struct {
	Script string    `json:"Script"`
	Args   FetchArgs `json:"Args"`
	TaskID int64     `json:"TaskID"`
}

// CommitStatus is reported back to the worker after a commit
type CommitStatus string

const (
	CommitAcknowledged CommitStatus = "Acknowledged"
	CommitRetrying     CommitStatus = "Retrying"
)

// FailureOutcome is the result of reporting a failed fetch
type FailureOutcome string

const (
	FailureRetried   FailureOutcome = "retried"
	FailureExhausted FailureOutcome = "exhausted"
)
