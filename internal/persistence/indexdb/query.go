package indexdb

import (
	"database/sql"
)

// ScenarioProgress is the highest row flushed for one scenario across runs.
type ScenarioProgress struct {
	Period   string
	Rotation string
	LastRow  int
	Rows     int
}

// Progress summarizes flushed rows per scenario. Callers use LastRow+1 as a
// restart row.
func (s *SQLiteIndex) Progress() ([]ScenarioProgress, error) {
	var out []ScenarioProgress
	err := s.do(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT period, rotation, MAX(row), COUNT(*) FROM flushes GROUP BY period, rotation ORDER BY period, rotation`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p ScenarioProgress
			if err := rows.Scan(&p.Period, &p.Rotation, &p.LastRow, &p.Rows); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
