package materializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

func items(pairs ...string) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.LineItem{Name: pairs[i], Category: pairs[i+1], Quantity: 1})
	}
	return out
}

func TestCategorize(t *testing.T) {
	c := NewCategorizer(DefaultRules())

	tests := []struct {
		name     string
		merchant string
		items    []domain.LineItem
		want     string
	}{
		{
			name:  "single explicit category",
			items: items("Coffee", "Food"),
			want:  "Food",
		},
		{
			name:  "most frequent explicit category",
			items: items("Soap", "Household", "Apple", "Groceries", "Pear", "groceries"),
			want:  "Groceries",
		},
		{
			name:  "tie goes to first seen",
			items: items("Soap", "Household", "Apple", "Groceries"),
			want:  "Household",
		},
		{
			name:  "generic categories are not explicit",
			items: items("Iced Coffee", "General", "Croissant", ""),
			want:  "Food & Drink",
		},
		{
			name:  "keyword in item name",
			items: items("Soft DRINK 500ml", ""),
			want:  "Food & Drink",
		},
		{
			name:     "keyword in merchant",
			merchant: "City Parking Garage",
			items:    items("Ticket 2h", ""),
			want:     "Transport",
		},
		{
			name:  "plural item name",
			items: items("Soft Drinks", ""),
			want:  "Food & Drink",
		},
		{
			name:  "compound item name",
			items: items("Seafood platter", ""),
			want:  "Food & Drink",
		},
		{
			name:  "plural keyword",
			items: items("Foods", ""),
			want:  "Food & Drink",
		},
		{
			name:  "no keyword inside the name",
			items: items("Cabbage", ""),
			want:  domain.DefaultItemCategory,
		},
		{
			name:  "multi-word keyword",
			items: items("Paper Towels x6", ""),
			want:  "Household",
		},
		{
			name:     "nothing matches",
			merchant: "Acme",
			items:    items("Widget", ""),
			want:     domain.DefaultItemCategory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merchant := tt.merchant
			if merchant == "" {
				merchant = domain.DefaultMerchantName
			}
			got := c.Categorize(&domain.ReceiptRecord{MerchantName: merchant, LineItems: tt.items})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRules(t *testing.T) {
	r, err := ParseRules([]byte("rules:\n  - category: Pets\n    keywords: [dog, cat]\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultItemCategory, r.Default)

	c := NewCategorizer(r)
	assert.Equal(t, "Pets", c.Categorize(&domain.ReceiptRecord{LineItems: items("Dog food", "")}))

	_, err = ParseRules([]byte("rules:\n  - keywords: [x]\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules: {"))
	assert.Error(t, err)
}
