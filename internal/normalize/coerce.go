package normalize

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// Amount reads a monetary value at key: unparseable or missing values become
// zero, negatives lose their sign (direction lives in the type), and the result
// is rounded to cents.
func Amount(row domain.Row, key string) decimal.Decimal {
	d, ok := row.Decimal(key)
	if !ok {
		return decimal.Zero
	}
	return d.Abs().Round(2)
}

func localTimestamp(row domain.Row, key string) any {
	if t, ok := row.Time(key); ok {
		return domain.FormatTimestamp(t)
	}
	return nil
}

func remoteTimestamp(row domain.Row, key string) any {
	if t, ok := row.Time(key); ok {
		return t
	}
	return nil
}

func remoteTimestampOr(row domain.Row, key string, def time.Time) time.Time {
	if t, ok := row.Time(key); ok {
		return t
	}
	return def
}

func localDate(row domain.Row, key string) any {
	if d, ok := row.Date(key); ok {
		return d.String()
	}
	return nil
}

func remoteDate(row domain.Row, key string) any {
	if d, ok := row.Date(key); ok {
		return d
	}
	return nil
}

func oneOf(s string, allowed []string, def string) string {
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
