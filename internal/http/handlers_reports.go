package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cashflow/internal/core"
	applog "cashflow/internal/log"
)

type monthlyReportResponse struct {
	Month        int                 `json:"month"`
	Timezone     string              `json:"timezone"`
	Transactions []core.Transaction  `json:"transactions"`
	Summary      core.MonthlySummary `json:"summary"`
	Degraded     bool                `json:"degraded"`
}

// parseReportParams reads ?month=0..11 and ?tz=Area/City. The month
// defaults to the current one in the chosen zone.
func (s *Server) parseReportParams(r *http.Request) (int, *time.Location, error) {
	q := r.URL.Query()

	loc := s.location
	if tz := strings.TrimSpace(q.Get("tz")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return 0, nil, errInvalidTimezone
		}
		loc = l
	}

	month := int(s.now().In(loc).Month()) - 1
	if v := strings.TrimSpace(q.Get("month")); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || !core.ValidMonthIndex(m) {
			return 0, nil, errInvalidMonth
		}
		month = m
	}
	return month, loc, nil
}

// handleMonthlyReport filters the partition to one calendar month, in any
// year, and totals it.
func (s *Server) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	month, loc, err := s.parseReportParams(r)
	if err != nil {
		s.writeError(w, r, applog.OpRead, err)
		return
	}

	txs, degraded, err := s.readPartition(r.Context(), r)
	if err != nil {
		s.writeError(w, r, applog.OpRead, err)
		return
	}

	filtered := core.FilterByMonth(txs, month, loc)
	writeJSON(w, http.StatusOK, monthlyReportResponse{
		Month:        month,
		Timezone:     loc.String(),
		Transactions: filtered,
		Summary:      core.Summarize(filtered),
		Degraded:     degraded,
	})
}
