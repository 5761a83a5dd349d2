package window

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

var defaultPragmas = []string{
	"PRAGMA busy_timeout=5000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA synchronous=NORMAL;",
}

// applyPragmas runs each tuning statement and logs the result. Failures are
// not fatal.
func applyPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger, pragmas []string) {
	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			logger.Warn("window: pragma failed", "pragma", pragma, "err", err)
		} else {
			logger.Debug("window: pragma", "pragma", pragma, "value", value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
