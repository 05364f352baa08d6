package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ReadOperations returns every checkpointed operation of artifact in arrival
// order (CP-2). Each row's op_id is recomputed and checked.
//
// Returns an empty slice (not nil) if nothing is stored.
//
// ReadOperations implements kernel.Checkpointer.
func (s *Store) ReadOperations(ctx context.Context, artifact ir.ArtifactID) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, site_id, seq, kind, payload, depends_on, op_id
		FROM operations
		WHERE artifact_id = ?
		ORDER BY arrival ASC
	`, string(artifact))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// ReadOperation retrieves one operation by key.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadOperation(ctx context.Context, artifact ir.ArtifactID, key ir.OpKey) (ir.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, site_id, seq, kind, payload, depends_on, op_id
		FROM operations
		WHERE artifact_id = ? AND site_id = ? AND seq = ?
	`, string(artifact), string(key.Site), key.Seq)
	return scanOperation(row)
}

// CountOperations returns how many operations of artifact are checkpointed.
func (s *Store) CountOperations(ctx context.Context, artifact ir.ArtifactID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE artifact_id = ?
	`, string(artifact)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// ListArtifacts returns every artifact with at least one checkpointed
// operation or a recorded session, sorted by id.
func (s *Store) ListArtifacts(ctx context.Context) ([]ir.ArtifactID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id FROM operations
		UNION
		SELECT artifact_id FROM sessions
		ORDER BY artifact_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []ir.ArtifactID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, ir.ArtifactID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// ReadSession returns the site identity recorded for artifact, or
// ErrNoSession.
func (s *Store) ReadSession(ctx context.Context, artifact ir.ArtifactID) (ir.SiteID, error) {
	var site string
	err := s.db.QueryRowContext(ctx, `
		SELECT site_id FROM sessions WHERE artifact_id = ?
	`, string(artifact)).Scan(&site)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	return ir.SiteID(site), nil
}

// scanOperation decodes one operations row.
func scanOperation(row rowScanner) (ir.Operation, error) {
	var (
		artifact, site, kind string
		payloadJSON, deps    string
		storedID             string
		op                   ir.Operation
	)
	if err := row.Scan(&artifact, &site, &op.Seq, &kind, &payloadJSON, &deps, &storedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Operation{}, err
		}
		return ir.Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	op.ArtifactID = ir.ArtifactID(artifact)
	op.SiteID = ir.SiteID(site)
	op.Kind = ir.OpKind(kind)

	var err error
	if op.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return ir.Operation{}, err
	}
	if op.DependsOn, err = unmarshalContext(deps); err != nil {
		return ir.Operation{}, err
	}

	opID, err := ir.OperationID(op)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	if opID != storedID {
		return ir.Operation{}, &DivergentOperationError{
			Artifact: op.ArtifactID,
			Site:     op.SiteID,
			Seq:      op.Seq,
			Stored:   storedID,
			Incoming: opID,
		}
	}
	return op, nil
}
