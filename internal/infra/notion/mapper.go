package notion

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"

	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// Database property names.
const (
	PropReceiptID = "Receipt ID"
	PropKind      = "Kind"
	PropAmount    = "Amount"
	PropMerchant  = "Merchant"
	PropDate      = "Date"
	PropCategory  = "Category"
	PropNotes     = "Notes"
	PropLocation  = "Location"
	PropItems     = "Items"
	PropTags      = "Tags"
)

// Record kinds stored in the Kind select.
const (
	KindReceipt     = "Receipt"
	KindTransaction = "Transaction"
)

// maxRichText is the Notion limit for a single rich text object.
const maxRichText = 2000

// PayloadToProperties maps a wire payload to page properties.
func PayloadToProperties(kind string, p *reconciler.WirePayload) (notionapi.Properties, error) {
	amount, err := p.TotalAmount.Float64()
	if err != nil {
		return nil, fmt.Errorf("PayloadToProperties: amount %q: %w", p.TotalAmount, err)
	}

	title := p.ReceiptID
	if title == "" {
		title = "manual"
	}

	props := notionapi.Properties{
		PropReceiptID: notionapi.TitleProperty{Title: richText(title)},
		PropKind:      notionapi.SelectProperty{Select: notionapi.Option{Name: kind}},
		PropAmount:    notionapi.NumberProperty{Number: amount},
		PropMerchant:  notionapi.RichTextProperty{RichText: richText(p.MerchantName)},
	}

	if d, err := civil.ParseDate(p.Date); err == nil {
		start := notionapi.Date(d.In(time.UTC))
		props[PropDate] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: &start}}
	}
	if p.Category != nil && *p.Category != "" {
		props[PropCategory] = notionapi.SelectProperty{Select: notionapi.Option{Name: *p.Category}}
	}
	if p.Notes != nil && *p.Notes != "" {
		props[PropNotes] = notionapi.RichTextProperty{RichText: richText(*p.Notes)}
	}
	if p.Location != nil && *p.Location != "" {
		props[PropLocation] = notionapi.RichTextProperty{RichText: richText(*p.Location)}
	}
	if len(p.Items) > 0 {
		props[PropItems] = notionapi.RichTextProperty{RichText: richText(itemsSummary(p.Items))}
	}
	if len(p.Tags) > 0 {
		opts := make([]notionapi.Option, len(p.Tags))
		for i, t := range p.Tags {
			// Commas are not allowed in select option names.
			opts[i] = notionapi.Option{Name: strings.ReplaceAll(t, ",", " ")}
		}
		props[PropTags] = notionapi.MultiSelectProperty{MultiSelect: opts}
	}

	return props, nil
}

// itemsSummary renders one "name xN @ price" line per item.
func itemsSummary(items []reconciler.WireItem) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("%s x%d @ %s", it.Name, it.Quantity, it.Price)
	}
	return strings.Join(lines, "\n")
}

func richText(s string) []notionapi.RichText {
	if r := []rune(s); len(r) > maxRichText {
		s = string(r[:maxRichText])
	}
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: s},
		},
	}
}
