// Package sheets defines the spreadsheet mirror of the ledger. Each
// partition is mirrored to its own tab, rewritten as a whole on every sync.
package sheets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"cashflow/internal/core"
	"cashflow/internal/ledger"
)

// PartitionWriter replaces the mirror of one partition.
type PartitionWriter interface {
	// WritePartition overwrites the partition's tab with a header row followed
	// by one row per transaction, in the given order.
	WritePartition(ctx context.Context, partition string, txs []core.Transaction) error
}

// Header is the first row of every tab.
var Header = []any{"Date", "Type", "Amount", "Description", "ID"}

// DateLayout formats the Date column. It matches the persisted layout.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

// maxTabName is the longest sheet title the Sheets API accepts.
const maxTabName = 100

// sumLength is the number of hex digits of the partition digest appended to
// altered titles.
const sumLength = 8

// TabName is the tab title of partition: its storage key, with the
// characters sheet titles may not contain replaced by '_'. A title that had
// to be altered or shortened ends in a digest of the partition, so distinct
// partitions keep distinct tabs.
func TabName(partition string) string {
	key := ledger.PartitionKey(partition)
	name := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', '*', '?', '/', '\\', ':', '\'':
			return '_'
		}
		return r
	}, key)
	r := []rune(name)
	if name == key && len(r) <= maxTabName {
		return name
	}

	sum := sha256.Sum256([]byte(partition))
	suffix := "-" + hex.EncodeToString(sum[:])[:sumLength]
	if limit := maxTabName - len(suffix); len(r) > limit {
		r = r[:limit]
	}
	return string(r) + suffix
}

// Rows renders the header and the transactions as sheet values.
func Rows(txs []core.Transaction) [][]any {
	rows := make([][]any, 0, len(txs)+1)
	rows = append(rows, Header)
	for _, tx := range txs {
		rows = append(rows, []any{
			FormatDate(tx.Date),
			tx.Type.String(),
			tx.Amount,
			tx.Description,
			tx.ID,
		})
	}
	return rows
}

// FormatDate is the Date cell of t.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
