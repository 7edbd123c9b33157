package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/contracts"
	"github.com/dext-ai/dext-broker/internal/hash"
)

// SimilarTool is one ranked hit of a vector search.
type SimilarTool struct {
	ToolID      int64
	ToolMD5     string
	DisplayName string
	Description string
	Distance    float64
	Similarity  float64
	CreatedAt   time.Time
}

// HasTool reports whether a tool record exists for (tool_md5, model_name).
func (s *Store) HasTool(ctx context.Context, toolMD5, modelName string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tool_vectors WHERE tool_md5 = ? AND model_name = ?`,
		toolMD5, modelName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "failed to check tool %s", toolMD5)
	}
	return true, nil
}

// UpsertToolWithVector writes the tool record, its vector row, and the
// mapping between them in one transaction. The vector dimension must match
// the index dimension. Returns the tool record id.
func (s *Store) UpsertToolWithVector(ctx context.Context, displayName, description, modelName string, vector []float32) (int64, error) {
	if len(vector) != s.dim {
		return 0, apperr.New(apperr.Shape, "vector dimension %d does not match index dimension %d", len(vector), s.dim)
	}

	toolMD5 := hash.ToolMD5(displayName, description)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tool_vectors (tool_md5, model_name, display_name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tool_md5, model_name) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		toolMD5, modelName, displayName, description, now, now,
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to upsert tool record %s", displayName)
	}

	var toolID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM tool_vectors WHERE tool_md5 = ? AND model_name = ?`,
		toolMD5, modelName).Scan(&toolID); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to read back tool id for %s", displayName)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO vec_tool_embeddings (embedding) VALUES (?)`, encodeVector(vector))
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to insert vector for %s", displayName)
	}
	vecRowID, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to read vector rowid")
	}

	// Replacing the mapping orphans any previous vector row; clean it up in
	// the same transaction so every record keeps exactly one vector.
	var oldVecRowID sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT vec_rowid FROM tool_mapping WHERE tool_id = ?`, toolID).Scan(&oldVecRowID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to read old mapping for tool %d", toolID)
	}
	if oldVecRowID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_tool_embeddings WHERE id = ?`, oldVecRowID.Int64); err != nil {
			return 0, apperr.Wrap(apperr.Internal, err, "failed to delete stale vector %d", oldVecRowID.Int64)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_mapping (vec_rowid, tool_id) VALUES (?, ?)
		ON CONFLICT (tool_id) DO UPDATE SET vec_rowid = excluded.vec_rowid`,
		vecRowID, toolID,
	); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to upsert mapping for tool %d", toolID)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to commit tool upsert")
	}
	return toolID, nil
}

// DeleteToolByMD5 cascades the record, mapping and vector rows for the given
// identity. An empty modelName deletes the identity across all models.
// Returns the number of tool records removed.
func (s *Store) DeleteToolByMD5(ctx context.Context, toolMD5, modelName string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT id FROM tool_vectors WHERE tool_md5 = ?`
	args := []interface{}{toolMD5}
	if modelName != "" {
		query += ` AND model_name = ?`
		args = append(args, modelName)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to look up tool %s", toolMD5)
	}
	var toolIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apperr.Wrap(apperr.Internal, err, "failed to scan tool id")
		}
		toolIDs = append(toolIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to iterate tool ids")
	}

	for _, id := range toolIDs {
		if err := deleteToolTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to commit tool delete")
	}
	return int64(len(toolIDs)), nil
}

func deleteToolTx(ctx context.Context, tx *sql.Tx, toolID int64) error {
	var vecRowID sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT vec_rowid FROM tool_mapping WHERE tool_id = ?`, toolID).Scan(&vecRowID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.Internal, err, "failed to read mapping for tool %d", toolID)
	}
	if vecRowID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_tool_embeddings WHERE id = ?`, vecRowID.Int64); err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to delete vector %d", vecRowID.Int64)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_mapping WHERE tool_id = ?`, toolID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to delete mapping for tool %d", toolID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_vectors WHERE id = ?`, toolID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to delete tool record %d", toolID)
	}
	return nil
}

// SearchSimilar scans the vector index for the topK nearest tools of the
// given model whose cosine similarity reaches threshold. When
// serverPrefixes is non-empty only tools whose display_name starts with
// "{prefix}__" are considered. Results are ordered by ascending distance
// with ties broken by ascending tool id.
func (s *Store) SearchSimilar(ctx context.Context, queryVector []float32, topK int, threshold float64, serverPrefixes []string, modelName string) ([]SimilarTool, error) {
	if len(queryVector) != s.dim {
		return nil, apperr.New(apperr.Shape, "query vector dimension %d does not match index dimension %d", len(queryVector), s.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.tool_md5, t.display_name, t.description, t.created_at, v.embedding
		FROM tool_vectors t
		JOIN tool_mapping m ON m.tool_id = t.id
		JOIN vec_tool_embeddings v ON v.id = m.vec_rowid
		WHERE t.model_name = ?
		ORDER BY t.id`, modelName)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to scan vector index")
	}
	defer rows.Close()

	var hits []SimilarTool
	for rows.Next() {
		var hit SimilarTool
		var blob []byte
		if err := rows.Scan(&hit.ToolID, &hit.ToolMD5, &hit.DisplayName, &hit.Description, &hit.CreatedAt, &blob); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan vector row")
		}
		if len(serverPrefixes) > 0 && !matchesAnyPrefix(hit.DisplayName, serverPrefixes) {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt vector for tool %d", hit.ToolID)
		}
		if len(vec) != s.dim {
			return nil, apperr.New(apperr.Shape, "stored vector for tool %d has dimension %d, index expects %d", hit.ToolID, len(vec), s.dim)
		}
		hit.Distance = cosineDistance(queryVector, vec)
		hit.Similarity = 1.0 - hit.Distance
		if hit.Similarity < threshold {
			continue
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to iterate vector rows")
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ToolID < hits[j].ToolID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func matchesAnyPrefix(displayName string, serverPrefixes []string) bool {
	for _, p := range serverPrefixes {
		if hash.HasServerPrefix(displayName, p) {
			return true
		}
	}
	return false
}

// ListServerTools returns the indexed tools of one server, for the REST
// include_tools view. Tool names are rendered without the server prefix.
func (s *Store) ListServerTools(ctx context.Context, serverName string) ([]contracts.ServerToolView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_md5, display_name, description, created_at
		FROM tool_vectors
		WHERE display_name LIKE ? ESCAPE '\'
		ORDER BY display_name`,
		escapeLike(serverName)+hash.DisplayNameSeparator+"%")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to list tools for server %s", serverName)
	}
	defer rows.Close()

	var tools []contracts.ServerToolView
	for rows.Next() {
		var t contracts.ServerToolView
		if err := rows.Scan(&t.ToolMD5, &t.DisplayName, &t.Description, &t.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan tool row")
		}
		if !hash.HasServerPrefix(t.DisplayName, serverName) {
			continue
		}
		_, name, _ := hash.SplitDisplayName(t.DisplayName)
		t.ToolName = name
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// DeleteToolsForMissingServers removes every tool record whose server prefix
// is not in keepServers. Used by the catalog refresh after servers are
// deleted. Returns the number of records removed.
func (s *Store) DeleteToolsForMissingServers(ctx context.Context, keepServers []string) (int64, error) {
	keep := make(map[string]bool, len(keepServers))
	for _, name := range keepServers {
		keep[name] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM tool_vectors`)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to list tool records")
	}
	var stale []int64
	for rows.Next() {
		var id int64
		var displayName string
		if err := rows.Scan(&id, &displayName); err != nil {
			rows.Close()
			return 0, apperr.Wrap(apperr.Internal, err, "failed to scan tool record")
		}
		server, _, ok := hash.SplitDisplayName(displayName)
		if !ok || !keep[server] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to iterate tool records")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range stale {
		if err := deleteToolTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to commit stale tool cleanup")
	}
	return int64(len(stale)), nil
}

// ClearModel wipes all vectors and mappings plus the tool records carrying
// modelName, in one transaction.
func (s *Store) ClearModel(ctx context.Context, modelName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_tool_embeddings`); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to clear vectors")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_mapping`); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to clear mappings")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_vectors WHERE model_name = ?`, modelName); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to clear tool records for model %s", modelName)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to commit index clear")
	}
	return nil
}

// CountTools returns the number of tool records for a model; an empty model
// counts everything.
func (s *Store) CountTools(ctx context.Context, modelName string) (int, error) {
	query := `SELECT COUNT(*) FROM tool_vectors`
	var args []interface{}
	if modelName != "" {
		query += ` WHERE model_name = ?`
		args = append(args, modelName)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to count tools")
	}
	return n, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
