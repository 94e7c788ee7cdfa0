package core

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	TypeIn  TxType = "in"
	TypeOut TxType = "out"
)

type (
	// TxType tells whether money entered or left the wallet.
	TxType string

	Transaction struct {
		ID          string    `json:"id"`
		Type        TxType    `json:"type"`
		Amount      int64     `json:"amount"`
		Description string    `json:"description"`
		Date        time.Time `json:"date"`
	}

	// NewTransaction is the caller-supplied part of a transaction. ID and Date
	// are always assigned by the store.
	NewTransaction struct {
		Type        TxType
		Amount      int64
		Description string
	}

	// TransactionPatch overwrites every non-nil field of a stored transaction.
	TransactionPatch struct {
		Type        *TxType
		Amount      *int64
		Description *string
	}
)

const MaxDescriptionLength = 200

var (
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrLongDescription  = errors.New("description too long (max 200 characters)")
	ErrEmptyPatch       = errors.New("nothing to update")
)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	return t == TypeIn || t == TypeOut
}

func (t TxType) String() string {
	return string(t)
}

// Validate checks the structural rules the store enforces on every write.
func (n NewTransaction) Validate() error {
	if !n.Type.Valid() {
		return ErrInvalidType
	}
	if n.Amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateInput applies the stricter rules used for user-entered data:
// a positive amount and a non-empty, bounded description.
func (n NewTransaction) ValidateInput() error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.Amount < 1 {
		return ErrInvalidAmount
	}
	return validateDescription(n.Description)
}

// Validate checks the fields present in the patch with the store rules.
func (p TransactionPatch) Validate() error {
	if p.Type != nil && !p.Type.Valid() {
		return ErrInvalidType
	}
	if p.Amount != nil && *p.Amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateInput is the user-facing counterpart of Validate.
func (p TransactionPatch) ValidateInput() error {
	if p.IsEmpty() {
		return ErrEmptyPatch
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Amount != nil && *p.Amount < 1 {
		return ErrInvalidAmount
	}
	if p.Description != nil {
		return validateDescription(*p.Description)
	}
	return nil
}

// IsEmpty returns true when the patch carries no field at all.
func (p TransactionPatch) IsEmpty() bool {
	return p.Type == nil && p.Amount == nil && p.Description == nil
}

// Apply returns a copy of t with the patch fields overwritten. ID and Date
// are never touched.
func (p TransactionPatch) Apply(t Transaction) Transaction {
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	return t
}

func validateDescription(desc string) error {
	if len(strings.TrimSpace(desc)) == 0 {
		return ErrEmptyDescription
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return ErrLongDescription
	}
	return nil
}
