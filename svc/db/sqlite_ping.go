package db

import (
	"context"
)

func (l *Ledger) Ping(ctx context.Context) error {
	var result int
	return l.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
