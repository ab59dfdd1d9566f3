package events

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/kada-mandiya/analytics/common/timeutil"
	"github.com/kada-mandiya/analytics/common/validation"
)

// Timestamp accepts an ISO-8601 string with an explicit offset, or an epoch
// number in seconds or milliseconds. It always holds UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return validation.Field("event_timestamp", "datetime_parsing", "invalid datetime")
		}
		parsed, hasOffset, err := timeutil.ParseISO8601(s)
		if err != nil {
			return validation.Field("event_timestamp", "datetime_parsing", "invalid datetime")
		}
		utc, err := timeutil.EnsureUTC(parsed, hasOffset)
		if err != nil {
			return validation.Field("event_timestamp", "value_error", "event_timestamp must include a timezone offset")
		}
		t.Time = utc
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return validation.Field("event_timestamp", "datetime_type", "input should be a valid datetime")
	}
	f, err := n.Float64()
	if err != nil {
		return validation.Field("event_timestamp", "datetime_type", "input should be a valid datetime")
	}
	ts, ok := timeutil.FromEpoch(f)
	if !ok {
		return validation.Field("event_timestamp", "datetime_parsing", "timestamp out of range")
	}
	t.Time = ts
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
