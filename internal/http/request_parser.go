// Package http serves the cashflow JSON API.
//
// This file turns request bodies into the domain's input types. Amounts may
// arrive as JSON numbers or as user-typed strings ("5,000").
package http

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"cashflow/internal/core"
)

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Locale   string `json:"locale"`
}

type transactionRequest struct {
	Type        string          `json:"type"`
	Amount      json.RawMessage `json:"amount"`
	Description string          `json:"description"`
}

type patchRequest struct {
	Type        *string         `json:"type"`
	Amount      json.RawMessage `json:"amount"`
	Description *string         `json:"description"`
}

// toNew converts and validates a create request.
func (req transactionRequest) toNew() (core.NewTransaction, error) {
	amount, present, err := parseAmountField(req.Amount)
	if err != nil {
		return core.NewTransaction{}, err
	}
	if !present {
		return core.NewTransaction{}, core.ErrInvalidAmount
	}

	n := core.NewTransaction{
		Type:        core.TxType(strings.ToLower(strings.TrimSpace(req.Type))),
		Amount:      amount,
		Description: sanitizeInput(req.Description),
	}
	if err := n.ValidateInput(); err != nil {
		return core.NewTransaction{}, err
	}
	return n, nil
}

// toPatch converts and validates an update request. Absent and null fields
// are left untouched.
func (req patchRequest) toPatch() (core.TransactionPatch, error) {
	var p core.TransactionPatch

	if req.Type != nil {
		t := core.TxType(strings.ToLower(strings.TrimSpace(*req.Type)))
		p.Type = &t
	}
	amount, present, err := parseAmountField(req.Amount)
	if err != nil {
		return core.TransactionPatch{}, err
	}
	if present {
		p.Amount = &amount
	}
	if req.Description != nil {
		d := sanitizeInput(*req.Description)
		p.Description = &d
	}

	if err := p.ValidateInput(); err != nil {
		return core.TransactionPatch{}, err
	}
	return p, nil
}

// parseAmountField reads a JSON number or string amount. present is false
// when the field is missing or null.
func parseAmountField(raw json.RawMessage) (amount int64, present bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, true, core.ErrInvalidAmount
		}
		v, err := core.ParseAmount(s)
		return v, true, err
	}

	if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		if v < 1 {
			return 0, true, core.ErrInvalidAmount
		}
		return v, true, nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, true, core.ErrInvalidAmount
	}
	v, ok := core.AmountFromFloat(f)
	if !ok || v < 1 {
		return 0, true, core.ErrInvalidAmount
	}
	return v, true, nil
}
