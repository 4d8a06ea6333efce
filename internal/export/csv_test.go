package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

func readAll(t *testing.T, data string, comma rune) [][]string {
	t.Helper()
	r := csv.NewReader(strings.NewReader(data))
	r.Comma = comma
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteTransactions(t *testing.T) {
	src := "internal-1"
	remote := "remote-9"
	txns := []*domain.TransactionRecord{
		{
			ID:              "t1",
			Amount:          decimal.RequireFromString("45.5"),
			Category:        "Food",
			MerchantName:    "Cafe, X",
			Date:            civil.Date{Year: 2024, Month: 3, Day: 1},
			Note:            "Receipt from Cafe, X (1 item)",
			LineItems:       []domain.LineItem{{Name: "Coffee"}},
			Tags:            []string{"receipt", "needs-review"},
			SourceReceiptID: &src,
			SyncState:       domain.SyncStateSynced,
			RemoteID:        &remote,
		},
		{
			ID:        "t2",
			Amount:    decimal.RequireFromString("-100"),
			Category:  "Salary",
			Date:      civil.Date{Year: 2024, Month: 3, Day: 2},
			SyncState: domain.SyncStateUnsynced,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTransactions(&buf, txns, Options{}))

	records := readAll(t, buf.String(), ',')
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "date", "amount", "kind", "category", "merchant", "note", "location",
		"items", "tags", "source_receipt_id", "sync_state", "remote_id"}, records[0])
	assert.Equal(t, []string{"t1", "2024-03-01", "45.50", "expense", "Food", "Cafe, X", "Receipt from Cafe, X (1 item)", "",
		"1", "receipt;needs-review", "internal-1", "synced", "remote-9"}, records[1])
	assert.Equal(t, "-100.00", records[2][2])
	assert.Equal(t, "income", records[2][3])
}

func TestWriteReceipts_Delimiter(t *testing.T) {
	recs := []*domain.ReceiptRecord{{
		ReceiptID:    "r1",
		TotalAmount:  decimal.RequireFromString("3"),
		MerchantName: "Shop",
		Date:         civil.Date{Year: 2024, Month: 1, Day: 5},
		Confidence:   0.9,
		LineItems:    []domain.LineItem{{Name: "A"}, {Name: "B"}},
		NeedsReview:  true,
		SyncState:    domain.SyncStateUnsynced,
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteReceipts(&buf, recs, Options{Delimiter: ';'}))

	records := readAll(t, buf.String(), ';')
	require.Len(t, records, 2)
	assert.Equal(t, "receipt_id", records[0][0])
	assert.Equal(t, []string{"r1", "2024-01-05", "3.00", "Shop", "", "0.9", "2", "true", "false", "unsynced"}, records[1])
}

func TestWriteTransactions_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTransactions(&buf, nil, Options{}))
	records := readAll(t, buf.String(), ',')
	require.Len(t, records, 1)
	assert.Equal(t, "id", records[0][0])
}
