package store

import (
	"context"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// AppendOperations checkpoints ops in a single transaction, in slice order.
//
// Uses ON CONFLICT(artifact_id, site_id, seq) DO NOTHING for idempotency:
// operations the store already holds are skipped. If a stored row carries a
// different op_id than the incoming operation, the whole batch is rolled back
// and a *DivergentOperationError is returned.
//
// AppendOperations implements kernel.Checkpointer.
func (s *Store) AppendOperations(ctx context.Context, ops []ir.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append operations: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, op := range ops {
		opID, err := ir.OperationID(op)
		if err != nil {
			return fmt.Errorf("append operations: %w", err)
		}
		payloadJSON, err := marshalPayload(op.Payload)
		if err != nil {
			return fmt.Errorf("append operations: %w", err)
		}
		dependsJSON, err := marshalContext(op.DependsOn)
		if err != nil {
			return fmt.Errorf("append operations: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO operations
			(artifact_id, site_id, seq, kind, payload, depends_on, op_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(artifact_id, site_id, seq) DO NOTHING
		`,
			string(op.ArtifactID),
			string(op.SiteID),
			op.Seq,
			string(op.Kind),
			payloadJSON,
			dependsJSON,
			opID,
		)
		if err != nil {
			return fmt.Errorf("append operations: insert %s: %w", op, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("append operations: rows affected: %w", err)
		}
		if rowsAffected > 0 {
			continue
		}

		// Conflict - the key is already stored; it must be the same operation.
		var stored string
		err = tx.QueryRowContext(ctx, `
			SELECT op_id FROM operations
			WHERE artifact_id = ? AND site_id = ? AND seq = ?
		`, string(op.ArtifactID), string(op.SiteID), op.Seq).Scan(&stored)
		if err != nil {
			return fmt.Errorf("append operations: select existing: %w", err)
		}
		if stored != opID {
			return &DivergentOperationError{
				Artifact: op.ArtifactID,
				Site:     op.SiteID,
				Seq:      op.Seq,
				Stored:   stored,
				Incoming: opID,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append operations: commit: %w", err)
	}
	return nil
}

// WriteSession records the site identity used for artifact.
// Re-writing the same identity is a no-op; a different identity replaces it.
func (s *Store) WriteSession(ctx context.Context, artifact ir.ArtifactID, site ir.SiteID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (artifact_id, site_id)
		VALUES (?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET site_id = excluded.site_id
	`, string(artifact), string(site))
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
