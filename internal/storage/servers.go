package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
)

// ServerFilter narrows ListServers and CountServers.
type ServerFilter struct {
	Enabled *bool
	Type    string
}

const serverColumns = "id, name, type, url, command, args, headers, env, description, enabled, created_at, updated_at"

// CreateServer inserts a new server row. The ID and timestamps are assigned
// here when absent. A duplicate name yields a Conflict error.
func (s *Store) CreateServer(ctx context.Context, cfg *config.ServerConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	args, headers, env, err := marshalServerJSON(cfg)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.Type, cfg.URL, cfg.Command, args, headers, env,
		cfg.Description, boolToInt(cfg.Enabled), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "server name %q already exists", cfg.Name)
		}
		return apperr.Wrap(apperr.Internal, err, "failed to insert server %q", cfg.Name)
	}
	return nil
}

// GetServer fetches one server row by id.
func (s *Store) GetServer(ctx context.Context, id string) (*config.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerByName fetches one server row by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*config.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE name = ?`, name)
	return scanServer(row)
}

// ListServers returns one page of server rows plus the unpaged total.
func (s *Store) ListServers(ctx context.Context, filter ServerFilter, page, limit int) ([]*config.ServerConfig, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	where, whereArgs := buildServerFilter(filter)

	total, err := s.countServers(ctx, where, whereArgs)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + serverColumns + ` FROM mcp_servers` + where +
		` ORDER BY created_at, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(whereArgs, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "failed to list servers")
	}
	defer rows.Close()

	var servers []*config.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, 0, err
		}
		servers = append(servers, cfg)
	}
	return servers, total, rows.Err()
}

// CountServers returns the number of rows matching the filter.
func (s *Store) CountServers(ctx context.Context, filter ServerFilter) (int, error) {
	where, whereArgs := buildServerFilter(filter)
	return s.countServers(ctx, where, whereArgs)
}

func (s *Store) countServers(ctx context.Context, where string, args []interface{}) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_servers`+where, args...).Scan(&total); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to count servers")
	}
	return total, nil
}

// UpdateServer overwrites the mutable fields of an existing row.
func (s *Store) UpdateServer(ctx context.Context, cfg *config.ServerConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	args, headers, env, err := marshalServerJSON(cfg)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers
		SET name = ?, type = ?, url = ?, command = ?, args = ?, headers = ?, env = ?,
		    description = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, cfg.Type, cfg.URL, cfg.Command, args, headers, env,
		cfg.Description, boolToInt(cfg.Enabled), cfg.UpdatedAt, cfg.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "server name %q already exists", cfg.Name)
		}
		return apperr.Wrap(apperr.Internal, err, "failed to update server %s", cfg.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "server %s not found", cfg.ID)
	}
	return nil
}

// DeleteServer removes a row by id and returns the deleted config.
func (s *Store) DeleteServer(ctx context.Context, id string) (*config.ServerConfig, error) {
	cfg, err := s.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to delete server %s", id)
	}
	return cfg, nil
}

func buildServerFilter(filter ServerFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if filter.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row rowScanner) (*config.ServerConfig, error) {
	var cfg config.ServerConfig
	var url, command, args, headers, env, description sql.NullString
	var enabled int

	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Type, &url, &command, &args,
		&headers, &env, &description, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "server not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to scan server row")
	}

	cfg.URL = url.String
	cfg.Command = command.String
	cfg.Description = description.String
	cfg.Enabled = enabled != 0

	if args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &cfg.Args); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt args column for server %s", cfg.ID)
		}
	}
	if headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &cfg.Headers); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt headers column for server %s", cfg.ID)
		}
	}
	if env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &cfg.Env); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt env column for server %s", cfg.ID)
		}
	}
	return &cfg, nil
}

func marshalServerJSON(cfg *config.ServerConfig) (args, headers, env string, err error) {
	marshal := func(v interface{}) (string, error) {
		if v == nil {
			return "", nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal server field: %w", err)
		}
		return string(b), nil
	}
	if cfg.Args != nil {
		if args, err = marshal(cfg.Args); err != nil {
			return
		}
	}
	if cfg.Headers != nil {
		if headers, err = marshal(cfg.Headers); err != nil {
			return
		}
	}
	if cfg.Env != nil {
		env, err = marshal(cfg.Env)
	}
	return
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
