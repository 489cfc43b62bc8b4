package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// QueryResult holds the rows of a debug query along with the column order
// the driver reported, so callers can render tables deterministically.
type QueryResult struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// ExecuteReadOnlyQuery executes a read-only SQL query and returns results
// with column order preserved.
//
// This method does NOT validate the SQL query. Callers MUST validate first;
// use debug.IsSelectQuery.
func (db *DB) ExecuteReadOnlyQuery(query string) (*QueryResult, error) {
	log.Debug().Str("query", query).Msg("Executing debug query")
	start := time.Now()

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Column order from the driver is what the response echoes back.
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			// SQLite text often arrives as []byte; encode it as a JSON string.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	log.Debug().Int("rows", len(results)).Dur("duration", time.Since(start)).Msg("Debug query completed")

	return &QueryResult{
		Columns: columns,
		Rows:    results,
	}, nil
}
