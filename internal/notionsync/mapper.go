package notionsync

import (
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// Property names of the mirror database.
const (
	propDescription   = "Description"
	propTransactionID = "Transaction ID"
	propDate          = "Date"
	propAmount        = "Amount"
	propCurrency      = "Currency"
	propKind          = "Kind"
	propSettled       = "Settled"
	propVertical      = "Vertical"
	propCategory      = "Category"
	propUpdatedAt     = "Updated At"
)

// Names resolves reference ids to display names.
type Names struct {
	Verticals  map[string]string
	Categories map[string]string
}

func (n Names) lookup(m map[string]string, id *string) string {
	if id == nil {
		return ""
	}
	return m[*id]
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

func dateValue(t time.Time) *notionapi.DateObject {
	d := notionapi.Date(t)
	return &notionapi.DateObject{Start: &d}
}

// occurredAt joins the local date and time into one UTC instant.
func occurredAt(t domain.Transaction) time.Time {
	return time.Date(t.Date.Year, t.Date.Month, t.Date.Day,
		t.Time.Hour, t.Time.Minute, t.Time.Second, 0, time.UTC)
}

// TransactionProperties renders t as mirror page properties.
func TransactionProperties(t domain.Transaction, names Names) notionapi.Properties {
	title := t.Description
	if title == "" {
		title = string(t.Kind())
	}

	props := notionapi.Properties{
		propDescription:   notionapi.TitleProperty{Title: richText(title)},
		propTransactionID: notionapi.RichTextProperty{RichText: richText(t.ID)},
		propAmount:        notionapi.NumberProperty{Number: t.Amount.Round(2).InexactFloat64()},
		propCurrency:      notionapi.SelectProperty{Select: notionapi.Option{Name: string(t.Currency)}},
		propKind:          notionapi.SelectProperty{Select: notionapi.Option{Name: string(t.Kind())}},
		propSettled:       notionapi.CheckboxProperty{Checkbox: t.Settled},
	}
	if t.Date.IsValid() {
		props[propDate] = notionapi.DateProperty{Date: dateValue(occurredAt(t))}
	}
	if !t.UpdatedAt.IsZero() {
		props[propUpdatedAt] = notionapi.DateProperty{Date: dateValue(t.UpdatedAt.UTC())}
	}
	if name := names.lookup(names.Verticals, t.VerticalID); name != "" {
		props[propVertical] = notionapi.SelectProperty{Select: notionapi.Option{Name: name}}
	}
	if name := names.lookup(names.Categories, t.CategoryID); name != "" {
		props[propCategory] = notionapi.SelectProperty{Select: notionapi.Option{Name: name}}
	}
	return props
}

// pageTransactionID returns the transaction id stored on a mirror page, or "".
func pageTransactionID(page notionapi.Page) string {
	switch p := page.Properties[propTransactionID].(type) {
	case *notionapi.RichTextProperty:
		return plainText(p.RichText)
	case notionapi.RichTextProperty:
		return plainText(p.RichText)
	}
	return ""
}

func plainText(rt []notionapi.RichText) string {
	if len(rt) == 0 {
		return ""
	}
	if rt[0].PlainText != "" {
		return rt[0].PlainText
	}
	if rt[0].Text != nil {
		return rt[0].Text.Content
	}
	return ""
}

// pageUpdatedAt returns the Updated At value of a mirror page.
func pageUpdatedAt(page notionapi.Page) (time.Time, bool) {
	var d *notionapi.DateObject
	switch p := page.Properties[propUpdatedAt].(type) {
	case *notionapi.DateProperty:
		d = p.Date
	case notionapi.DateProperty:
		d = p.Date
	}
	if d == nil || d.Start == nil {
		return time.Time{}, false
	}
	return time.Time(*d.Start), true
}
