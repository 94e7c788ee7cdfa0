package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cashflow/internal/core"
)

// dateLayout is ISO-8601 in UTC with millisecond precision.
const dateLayout = "2006-01-02T15:04:05.000Z07:00"

type record struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

// decodeStats counts what a lenient decode had to repair.
type decodeStats struct {
	Dropped int
	Coerced int
}

func (s decodeStats) clean() bool {
	return s.Dropped == 0 && s.Coerced == 0
}

func encodePartition(txs []core.Transaction) ([]byte, error) {
	recs := make([]record, len(txs))
	for i, tx := range txs {
		recs[i] = record{
			ID:          tx.ID,
			Type:        tx.Type.String(),
			Amount:      tx.Amount,
			Description: tx.Description,
			Date:        tx.Date.UTC().Format(dateLayout),
		}
	}
	return json.Marshal(recs)
}

// decodePartition parses a stored partition. Only a blob that is not a JSON
// array fails; individual records are repaired or dropped:
//
//   - non-objects, an empty or non-string id, an unknown type and a missing
//     or unparseable date drop the record
//   - amount may be a number or a numeric string and is rounded to whole
//     units; missing, non-numeric or negative amounts become 0
//   - a non-string description becomes ""
//
// Dates are normalized to UTC with millisecond precision.
func decodePartition(data []byte) ([]core.Transaction, decodeStats, error) {
	var stats decodeStats
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []core.Transaction{}, stats, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, stats, fmt.Errorf("%w: %v", ErrCorruptPartition, err)
	}

	txs := make([]core.Transaction, 0, len(raws))
	for _, raw := range raws {
		tx, coerced, ok := decodeRecord(raw)
		if !ok {
			stats.Dropped++
			continue
		}
		if coerced {
			stats.Coerced++
		}
		txs = append(txs, tx)
	}
	return txs, stats, nil
}

func decodeRecord(raw json.RawMessage) (tx core.Transaction, coerced, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return tx, false, false
	}

	if err := json.Unmarshal(fields["id"], &tx.ID); err != nil || tx.ID == "" {
		return tx, false, false
	}

	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil || !core.TxType(typ).Valid() {
		return tx, false, false
	}
	tx.Type = core.TxType(typ)

	var date string
	if err := json.Unmarshal(fields["date"], &date); err != nil {
		return tx, false, false
	}
	d, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return tx, false, false
	}
	tx.Date = d.UTC().Truncate(time.Millisecond)

	amount, exact := decodeAmount(fields["amount"])
	tx.Amount = amount
	coerced = !exact

	if desc, present := fields["description"]; present {
		if err := json.Unmarshal(desc, &tx.Description); err != nil {
			tx.Description = ""
			coerced = true
		}
	}

	return tx, coerced, true
}

// decodeAmount reports exact=false whenever the stored value was anything
// other than a non-negative whole JSON number.
func decodeAmount(raw json.RawMessage) (amount int64, exact bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}

	var f float64
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false
		}
		if i, err := n.Int64(); err == nil && i >= 0 {
			return i, true
		}
		v, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = v
	}

	v, _ := core.AmountFromFloat(f)
	return v, false
}
