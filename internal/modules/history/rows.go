package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/pricehub/internal/database"
	"github.com/aristath/pricehub/internal/domain"
)

// readRows overlays every live row onto blob
func readRows(ctx context.Context, db *database.DB, blob domain.YearBlob) error {
	rows, err := db.Conn().QueryContext(ctx, `
		SELECT d, c, o, h, l, v, x
		FROM days
		ORDER BY d ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to query days: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.DayRecord
		var extra string
		if err := rows.Scan(&rec.Day, &rec.Close, &rec.Open, &rec.High, &rec.Low, &rec.Volume, &extra); err != nil {
			return fmt.Errorf("failed to scan day: %w", err)
		}
		if err := rec.SetExtraJSON(extra); err != nil {
			return fmt.Errorf("day %d: %w", rec.Day, err)
		}
		if err := blob.Set(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func upsertRows(ctx context.Context, tx *sql.Tx, rows []domain.DayRecord) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO days (d, c, o, h, l, v, x)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		extra, err := row.ExtraJSON()
		if err != nil {
			return fmt.Errorf("day %d: %w", row.Day, err)
		}
		if _, err := stmt.ExecContext(ctx, row.Day, row.Close, row.Open, row.High, row.Low, row.Volume, extra); err != nil {
			return fmt.Errorf("failed to upsert day %d: %w", row.Day, err)
		}
	}
	return nil
}
