package http

import (
	"context"
	"errors"
	"net/http"

	"cashflow/internal/core"
	"cashflow/internal/ledger"
	applog "cashflow/internal/log"
)

type listResponse struct {
	Transactions []core.Transaction `json:"transactions"`
	Balance      int64              `json:"balance"`
	// Degraded is set when the stored partition could not be read and an
	// empty list is shown instead.
	Degraded bool `json:"degraded"`
}

type balanceResponse struct {
	Balance  int64 `json:"balance"`
	Degraded bool  `json:"degraded"`
}

// readPartition lists the session's transactions. A corrupt partition is
// reported as degraded with an empty list, other errors are returned.
func (s *Server) readPartition(ctx context.Context, r *http.Request) ([]core.Transaction, bool, error) {
	txs, err := s.ledger.List(ctx, partitionOf(r))
	if errors.Is(err, ledger.ErrCorruptPartition) {
		applog.FromContext(ctx).WarnContext(ctx, "Showing empty list for unreadable partition",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpList)
		return []core.Transaction{}, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	return txs, false, nil
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, degraded, err := s.readPartition(r.Context(), r)
	if err != nil {
		s.writeError(w, r, applog.OpList, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Transactions: txs,
		Balance:      core.Balance(txs),
		Degraded:     degraded,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	txs, degraded, err := s.readPartition(r.Context(), r)
	if err != nil {
		s.writeError(w, r, applog.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: core.Balance(txs), Degraded: degraded})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, applog.OpCreate, err)
		return
	}
	n, err := req.toNew()
	if err != nil {
		s.writeError(w, r, applog.OpCreate, err)
		return
	}

	tx, err := s.ledger.Add(r.Context(), partitionOf(r), n)
	if err != nil {
		s.writeError(w, r, applog.OpCreate, err)
		return
	}
	s.log.LogMutation(r.Context(), applog.OpCreate, partitionOf(r), tx.ID, tx.Type.String(), tx.Amount)
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}

	tx, err := s.ledger.Update(r.Context(), partitionOf(r), id, patch)
	if err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	s.log.LogMutation(r.Context(), applog.OpUpdate, partitionOf(r), tx.ID, tx.Type.String(), tx.Amount)
	writeJSON(w, http.StatusOK, tx)
}

// handleDeleteTransaction answers 204 whether or not id existed.
func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ledger.Delete(r.Context(), partitionOf(r), id); err != nil {
		s.writeError(w, r, applog.OpDelete, err)
		return
	}
	s.log.LogMutation(r.Context(), applog.OpDelete, partitionOf(r), id, "", 0)
	w.WriteHeader(http.StatusNoContent)
}
