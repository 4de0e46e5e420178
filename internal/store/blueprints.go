package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const blueprintSelect = `SELECT name, type, source, description, system_prompt, command,
	parameters_schema, mcp_servers, owner_runner_id FROM blueprints`

// InsertBlueprint persists a new blueprint. Returns ErrConflict if the
// name is already taken (first-writer-wins).
func (s *Store) InsertBlueprint(ctx context.Context, bp *v1.AgentBlueprint) error {
	command, err := marshalJSON(bp.Command)
	if err != nil {
		return err
	}
	schema, err := marshalJSON(bp.ParametersSchema)
	if err != nil {
		return err
	}
	mcp, err := marshalJSON(bp.MCPServers)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO blueprints
		(name, type, source, description, system_prompt, command, parameters_schema, mcp_servers, owner_runner_id)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))

	_, err = s.db.ExecContext(ctx, q, bp.Name, bp.Type, bp.Source, bp.Description, bp.SystemPrompt,
		command, schema, mcp, nullable(bp.OwnerRunnerID))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: agent blueprint %q already registered", ErrConflict, bp.Name)
		}
		return fmt.Errorf("insert blueprint: %w", err)
	}
	return nil
}

// UpsertFileBlueprint inserts or replaces a coordinator-owned (file
// source) blueprint — used by the directory loader's periodic rescan,
// where the same file may be re-read and should not conflict with
// itself.
func (s *Store) UpsertFileBlueprint(ctx context.Context, bp *v1.AgentBlueprint) error {
	existing, err := s.GetBlueprint(ctx, bp.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Source != v1.BlueprintSourceFile {
			return fmt.Errorf("%w: agent blueprint %q is owned by a runner, not the file directory", ErrConflict, bp.Name)
		}
		return s.updateFileBlueprint(ctx, bp)
	}
	return s.InsertBlueprint(ctx, bp)
}

func (s *Store) updateFileBlueprint(ctx context.Context, bp *v1.AgentBlueprint) error {
	command, err := marshalJSON(bp.Command)
	if err != nil {
		return err
	}
	schema, err := marshalJSON(bp.ParametersSchema)
	if err != nil {
		return err
	}
	mcp, err := marshalJSON(bp.MCPServers)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`UPDATE blueprints SET type=%s, description=%s, system_prompt=%s, command=%s,
		parameters_schema=%s, mcp_servers=%s WHERE name=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.ExecContext(ctx, q, bp.Type, bp.Description, bp.SystemPrompt, command, schema, mcp, bp.Name)
	return err
}

// GetBlueprint fetches a blueprint by name.
func (s *Store) GetBlueprint(ctx context.Context, name string) (*v1.AgentBlueprint, error) {
	q := fmt.Sprintf(`%s WHERE name = %s`, blueprintSelect, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, name)
	bp, err := scanBlueprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %q", ErrNotFound, name)
	}
	return bp, err
}

// ListBlueprints returns every registered blueprint.
func (s *Store) ListBlueprints(ctx context.Context) ([]*v1.AgentBlueprint, error) {
	rows, err := s.db.QueryContext(ctx, blueprintSelect+" ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var out []*v1.AgentBlueprint
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// DeleteBlueprintsByOwner removes every runner-owned blueprint belonging
// to runnerID, returning the deleted names — called when a runner is
// removed.
func (s *Store) DeleteBlueprintsByOwner(ctx context.Context, runnerID string) ([]string, error) {
	q := fmt.Sprintf(`SELECT name FROM blueprints WHERE owner_runner_id = %s`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, runnerID)
	if err != nil {
		return nil, fmt.Errorf("select owned blueprints: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	del := fmt.Sprintf(`DELETE FROM blueprints WHERE owner_runner_id = %s`, s.ph(1))
	if _, err := s.db.ExecContext(ctx, del, runnerID); err != nil {
		return nil, fmt.Errorf("delete owned blueprints: %w", err)
	}
	return names, nil
}

func scanBlueprint(row rowScanner) (*v1.AgentBlueprint, error) {
	var bp v1.AgentBlueprint
	var desc, prompt, command, schema, mcp, owner sql.NullString
	if err := row.Scan(&bp.Name, &bp.Type, &bp.Source, &desc, &prompt, &command, &schema, &mcp, &owner); err != nil {
		return nil, err
	}
	bp.Description = desc.String
	bp.SystemPrompt = prompt.String
	bp.OwnerRunnerID = owner.String
	if command.Valid && command.String != "" && command.String != "null" {
		_ = json.Unmarshal([]byte(command.String), &bp.Command)
	}
	if schema.Valid && schema.String != "" && schema.String != "null" {
		_ = json.Unmarshal([]byte(schema.String), &bp.ParametersSchema)
	}
	if mcp.Valid && mcp.String != "" && mcp.String != "null" {
		_ = json.Unmarshal([]byte(mcp.String), &bp.MCPServers)
	}
	return &bp, nil
}
