package services

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func SetBeforeClaim(s *EntitlementService, fn func(ctx context.Context, tx *sqlx.Tx) error) {
	s.beforeClaim = fn
}
