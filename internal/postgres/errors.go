package postgres

import (
	"errors"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02": // invalid_text_representation, например кривой uuid
			return domain.ErrInvalidInput
		case "23503": // foreign_key_violation
			return domain.ErrNotFound
		}
	}
	return err
}
