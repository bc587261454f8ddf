package bigquery

import (
	"math/big"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/normalize"
)

// numericScale is the number of decimal places BigQuery NUMERIC keeps.
const numericScale = 9

// param encodes row[col.Name] as a typed query parameter. Null values keep
// their column type so BigQuery can bind them.
func param(col normalize.Column, row domain.Row) interface{} {
	switch col.Kind {
	case normalize.KindNumeric:
		d, ok := row.Decimal(col.Name)
		if !ok {
			d = decimal.Zero
		}
		return d.Rat()
	case normalize.KindTimestamp:
		t, ok := row.Time(col.Name)
		return bigquery.NullTimestamp{Timestamp: t.UTC(), Valid: ok}
	case normalize.KindDate:
		d, ok := row.Date(col.Name)
		return bigquery.NullDate{Date: d, Valid: ok}
	case normalize.KindBool:
		b, ok := row.Bool(col.Name)
		return bigquery.NullBool{Bool: b, Valid: ok}
	default:
		if row[col.Name] == nil {
			return bigquery.NullString{}
		}
		return bigquery.NullString{StringVal: row.String(col.Name), Valid: true}
	}
}

// fromValues converts a result row to domain values. NUMERIC becomes
// decimal.Decimal; DATE (civil.Date) and TIMESTAMP (time.Time) pass through.
func fromValues(values map[string]bigquery.Value) domain.Row {
	row := make(domain.Row, len(values))
	for k, v := range values {
		switch x := v.(type) {
		case *big.Rat:
			if x == nil {
				row[k] = nil
				continue
			}
			d, err := decimal.NewFromString(x.FloatString(numericScale))
			if err != nil {
				row[k] = nil
				continue
			}
			row[k] = d
		default:
			row[k] = v
		}
	}
	return row
}
