// Package memory keeps the sheet mirror in process, for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"cashflow/internal/core"
	"cashflow/internal/sheets"
)

// Writer stores the rows each tab would hold.
type Writer struct {
	mu     sync.Mutex
	tabs   map[string][][]any
	writes map[string]int
	err    error
}

var _ sheets.PartitionWriter = (*Writer)(nil)

func New() *Writer {
	return &Writer{tabs: make(map[string][][]any), writes: make(map[string]int)}
}

// WritePartition replaces the rows of the partition's tab.
func (w *Writer) WritePartition(_ context.Context, partition string, txs []core.Transaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	tab := sheets.TabName(partition)
	w.tabs[tab] = sheets.Rows(txs)
	w.writes[tab]++
	return nil
}

// FailWith makes every following write return err; nil restores writes.
func (w *Writer) FailWith(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// Rows returns a copy of the tab's rows and whether it was ever written.
func (w *Writer) Rows(tab string) ([][]any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, ok := w.tabs[tab]
	if !ok {
		return nil, false
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = append([]any(nil), r...)
	}
	return out, true
}

// Writes returns how many times the tab was written.
func (w *Writer) Writes(tab string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[tab]
}

// Tabs returns the number of tabs written so far.
func (w *Writer) Tabs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tabs)
}
