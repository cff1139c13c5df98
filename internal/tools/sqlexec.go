package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/threadline-ai/threadline/pkg/models"
)

// sqlToolConfig is the executor section of a SQL tool's config blob. The
// query is fixed at configuration time; the model only supplies positional
// arguments.
type sqlToolConfig struct {
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn"`
	Query  string `json:"query"`
}

// sqlToolInput is the argument shape for SQL tools.
type sqlToolInput struct {
	Args []any `json:"args,omitempty"`
}

// executeSQL runs the configured query and returns the rows as a JSON array.
// Query failures are error results, not turn failures.
func (s *Session) executeSQL(ctx context.Context, tool models.AgentTool, use models.Part, input json.RawMessage) ([]models.Part, error) {
	var cfg sqlToolConfig
	if err := json.Unmarshal(tool.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse sql tool config: %w", err)
	}
	if cfg.DSN == "" || cfg.Query == "" {
		return nil, fmt.Errorf("sql tool %s needs dsn and query", tool.Name)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var args sqlToolInput
	if err := json.Unmarshal(input, &args); err != nil {
		return []models.Part{errorResult(use, tool, "sql tool input must be {\"args\": [...]}")}, nil
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql tool database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, cfg.Query, args.Args...)
	if err != nil {
		return []models.Part{errorResult(use, tool, err.Error())}, nil
	}
	defer rows.Close()

	records, err := scanRows(rows)
	if err != nil {
		return []models.Part{errorResult(use, tool, err.Error())}, nil
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode sql tool result: %w", err)
	}
	return []models.Part{dataResult(use, tool, payload)}, nil
}

// scanRows reads all rows into generic records.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
