package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Row is a loosely typed record as it travels between the local store, the
// outbox and the remote store. Keys are column names.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the primary identifier of the row, or "".
func (r Row) ID() string {
	return r.String("id")
}

// Has reports whether key is present, even with a nil value.
func (r Row) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value at key rendered as a string. Missing and nil values yield "".
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case civil.Date:
		if !v.IsValid() {
			return ""
		}
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// NullableString returns nil for missing, nil or blank values and the trimmed string otherwise.
func (r Row) NullableString(key string) any {
	s := strings.TrimSpace(r.String(key))
	if s == "" {
		return nil
	}
	return s
}

// Bool returns the boolean at key and whether a usable value was present.
// Integers and the usual textual spellings are accepted.
func (r Row) Bool(key string) (bool, bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case *bool:
		if v == nil {
			return false, false
		}
		return *v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// BoolOr returns the boolean at key, or def when the value is absent or unusable.
func (r Row) BoolOr(key string, def bool) bool {
	if b, ok := r.Bool(key); ok {
		return b
	}
	return def
}

// Decimal returns the numeric value at key and whether it could be parsed.
func (r Row) Decimal(key string) (decimal.Decimal, bool) {
	switch v := r[key].(type) {
	case decimal.Decimal:
		return v, true
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, false
		}
		return *v, true
	case *big.Rat:
		if v == nil {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(v.FloatString(9))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		return ParseAmount(v)
	default:
		return decimal.Zero, false
	}
}

// Time returns the timestamp at key and whether it could be parsed.
func (r Row) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true
	case string:
		return ParseTimestamp(v)
	default:
		return time.Time{}, false
	}
}

// Date returns the calendar date at key and whether it could be parsed.
func (r Row) Date(key string) (civil.Date, bool) {
	switch v := r[key].(type) {
	case civil.Date:
		return v, v.IsValid()
	case time.Time:
		if v.IsZero() {
			return civil.Date{}, false
		}
		return civil.DateOf(v.UTC()), true
	case string:
		s := strings.TrimSpace(v)
		if len(s) > 10 {
			if ts, ok := ParseTimestamp(s); ok {
				return civil.DateOf(ts), true
			}
		}
		d, err := civil.ParseDate(s)
		if err != nil {
			return civil.Date{}, false
		}
		return d, true
	default:
		return civil.Date{}, false
	}
}

// ClockTime returns the wall-clock time at key and whether it could be parsed.
// "HH:MM" is accepted in addition to civil's "HH:MM:SS[.fffffffff]".
func (r Row) ClockTime(key string) (civil.Time, bool) {
	switch v := r[key].(type) {
	case civil.Time:
		return v, v.IsValid()
	case string:
		s := strings.TrimSpace(v)
		if len(s) == 5 {
			s += ":00"
		}
		t, err := civil.ParseTime(s)
		if err != nil {
			return civil.Time{}, false
		}
		return t, true
	default:
		return civil.Time{}, false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses the timestamp encodings seen on both sides of the sync.
// Values without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way local rows store timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseAmount parses a possibly formatted amount such as "1,234.50", "$ 1.234,50" or "-12".
// The last of '.' or ',' is taken as the decimal separator when both appear; a lone
// comma followed by exactly three digits, or a repeated separator, groups thousands.
func ParseAmount(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, c := range strings.TrimSpace(s) {
		if (c >= '0' && c <= '9') || c == '.' || c == ',' || c == '-' {
			b.WriteRune(c)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		clean = normalizeSingleSeparator(clean, ",")
	case lastDot >= 0:
		clean = normalizeSingleSeparator(clean, ".")
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func normalizeSingleSeparator(s, sep string) string {
	parts := strings.Split(s, sep)
	if len(parts) > 2 {
		return strings.Join(parts, "")
	}
	if sep == "," && len(parts[1]) == 3 {
		return parts[0] + parts[1]
	}
	return parts[0] + "." + parts[1]
}
