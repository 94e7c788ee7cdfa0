package core

import (
	"sort"
	"time"
)

// MonthlySummary is the in/out totals of a set of transactions.
type MonthlySummary struct {
	TotalIn    int64 `json:"total_in"`
	TotalOut   int64 `json:"total_out"`
	NetBalance int64 `json:"net_balance"`
}

// Balance is the sum of incoming amounts minus the sum of outgoing amounts.
func Balance(txs []Transaction) int64 {
	var bal int64
	for _, tx := range txs {
		switch tx.Type {
		case TypeIn:
			bal += tx.Amount
		case TypeOut:
			bal -= tx.Amount
		}
	}
	return bal
}

// FilterByMonth keeps the transactions whose date falls in the calendar
// month monthIndex (0 = January ... 11 = December) in loc. A nil loc means
// time.Local. Input order is preserved.
func FilterByMonth(txs []Transaction, monthIndex int, loc *time.Location) []Transaction {
	if loc == nil {
		loc = time.Local
	}
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if int(tx.Date.In(loc).Month())-1 == monthIndex {
			out = append(out, tx)
		}
	}
	return out
}

// Summarize reduces txs to their totals. The result does not depend on the
// order of txs.
func Summarize(txs []Transaction) MonthlySummary {
	var s MonthlySummary
	for _, tx := range txs {
		switch tx.Type {
		case TypeIn:
			s.TotalIn += tx.Amount
		case TypeOut:
			s.TotalOut += tx.Amount
		}
	}
	s.NetBalance = s.TotalIn - s.TotalOut
	return s
}

// SortByDateDesc orders txs most recent first. Equal dates keep their
// relative order.
func SortByDateDesc(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Date.After(txs[j].Date)
	})
}

// ValidMonthIndex reports whether m is in the 0..11 range.
func ValidMonthIndex(m int) bool {
	return m >= 0 && m <= 11
}
