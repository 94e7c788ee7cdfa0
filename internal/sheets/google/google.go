// Package google mirrors partitions to a Google Sheets spreadsheet, one tab
// per partition, authenticated with a service account.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"cashflow/internal/core"
	applog "cashflow/internal/log"
	"cashflow/internal/sheets"
)

var (
	ErrMissingSpreadsheet = errors.New("missing spreadsheet id")
	ErrMissingCredentials = errors.New("missing service account credentials")
)

type Config struct {
	SpreadsheetID string

	// CredentialsJSON wins over CredentialsFile.
	CredentialsJSON string
	CredentialsFile string

	// ClientOptions replace the credential options entirely, for tests
	// against a fake endpoint.
	ClientOptions []goption.ClientOption
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string

	mu   sync.Mutex
	tabs map[string]bool // titles known to exist
}

var _ sheets.PartitionWriter = (*Client)(nil)

func New(ctx context.Context, cfg Config) (*Client, error) {
	id := strings.TrimSpace(cfg.SpreadsheetID)
	if id == "" {
		return nil, ErrMissingSpreadsheet
	}

	opts := cfg.ClientOptions
	if len(opts) == 0 {
		credentials, err := loadCredentials(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = []goption.ClientOption{
			goption.WithCredentialsJSON(credentials),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}
	}

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{svc: svc, spreadsheetID: id, tabs: make(map[string]bool)}, nil
}

func loadCredentials(ctx context.Context, cfg Config) ([]byte, error) {
	raw := strings.TrimSpace(cfg.CredentialsJSON)
	path := strings.TrimSpace(cfg.CredentialsFile)
	switch {
	case raw != "":
		slog.DebugContext(ctx, "Using inline service account credentials", applog.FieldComponent, applog.ComponentSheets)
		return []byte(raw), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		slog.DebugContext(ctx, "Read service account credentials", applog.FieldComponent, applog.ComponentSheets, "path", path)
		return data, nil
	default:
		return nil, ErrMissingCredentials
	}
}

// WritePartition clears the partition's tab, creating it when missing, and
// writes the header and rows from A1.
func (c *Client) WritePartition(ctx context.Context, partition string, txs []core.Transaction) error {
	tab := sheets.TabName(partition)
	if err := c.ensureTab(ctx, tab); err != nil {
		return err
	}

	rng := quote(tab)
	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, rng, &gsheet.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		c.forget(tab)
		return fmt.Errorf("clear tab %s: %w", tab, err)
	}

	vr := &gsheet.ValueRange{Values: sheets.Rows(txs)}
	if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng+"!A1", vr).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		c.forget(tab)
		return fmt.Errorf("write tab %s: %w", tab, err)
	}

	slog.DebugContext(ctx, "Partition mirrored",
		applog.FieldComponent, applog.ComponentSheets,
		applog.FieldPartition, partition,
		"rows", len(txs))
	return nil
}

// ensureTab adds tab to the spreadsheet unless it already exists. Known
// titles are cached; a failed write forgets the title so a tab deleted by
// hand is recreated.
func (c *Client) ensureTab(ctx context.Context, tab string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tabs[tab] {
		return nil
	}

	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.tabs[sh.Properties.Title] = true
		}
	}
	if c.tabs[tab] {
		return nil
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: tab}},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add tab %s: %w", tab, err)
	}
	c.tabs[tab] = true
	slog.InfoContext(ctx, "Created sheet tab", applog.FieldComponent, applog.ComponentSheets, "tab", tab)
	return nil
}

func (c *Client) forget(tab string) {
	c.mu.Lock()
	delete(c.tabs, tab)
	c.mu.Unlock()
}

// quote makes tab usable as an A1 range prefix.
func quote(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}
