package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed schemas/sqlite/schema.sql schemas/postgres/schema.sql
var schemaFS embed.FS

// Schema returns the DDL for a dialect.
func Schema(d Dialect) (string, error) {
	content, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s/schema.sql", d))
	if err != nil {
		return "", fmt.Errorf("%w: no schema for dialect %q", ErrConfiguration, d)
	}
	return string(content), nil
}

// splitStatements breaks a schema file into single statements. Comments are
// dropped before splitting, so they may contain semicolons. The schema files
// contain no triggers or string literals with semicolons or "--".
func splitStatements(schema string) []string {
	var body strings.Builder
	for _, line := range strings.Split(schema, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Migrate applies the embedded schema for the open store's dialect.
// Every statement is idempotent, so running it on a migrated store is a no-op.
func (p *Pool) Migrate(ctx context.Context) error {
	dialect := p.Dialect()
	schema, err := Schema(dialect)
	if err != nil {
		return err
	}

	err = p.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range splitStatements(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute schema statement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to migrate %s schema for %s: %w", dialect, p.cfg.Name, err)
	}

	p.log.Debug().Str("dialect", string(dialect)).Msg("Schema applied")
	return nil
}
