package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("record already exists")
	ErrGroupFull     = errors.New("group is full")
	ErrGroupNotEmpty = errors.New("group has other members")
	ErrInvalidInput  = errors.New("invalid input")
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqInvalidText         = "22P02"
	pqCheckViolation      = "23514"
)

// translateError maps driver errors onto the package sentinels so that no
// storage specific error leaks past the repository.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		case pqInvalidText, pqCheckViolation:
			return fmt.Errorf("%w: %s", ErrInvalidInput, pqErr.Message)
		}
	}

	return err
}
