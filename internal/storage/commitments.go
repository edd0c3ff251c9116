// Package storage - Commitment storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Commitment errors
var (
	ErrCommitmentNotFound = errors.New("commitment not found")
	ErrCommitmentExists   = errors.New("commitment already exists")
)

// Commitment is the persisted form of a MAST commitment. Keys and hashes
// are hex encoded.
type Commitment struct {
	ID      string
	Label   string
	Network string

	Threshold    int
	GroupSize    int
	Participants []string

	InternalKeyMode string
	InternalKey     string
	OutputKey       string
	Root            string
	Address         string

	Total     uint64
	Dropped   uint64
	MaxLeaves uint64
	Tree      []byte

	CreatedAt time.Time
}

// CommitmentFilter narrows ListCommitments.
type CommitmentFilter struct {
	Network string
	Limit   int
	Offset  int
}

// SpendRecord is a spend proof issued for a commitment.
type SpendRecord struct {
	ID           int64
	CommitmentID string
	LeafIndex    uint64
	Signers      []string
	Proof        []byte
	CreatedAt    time.Time
}

const commitmentColumns = `
	id, label, network, threshold, group_size, participants,
	internal_key_mode, internal_key, output_key, root, address,
	total, dropped, max_leaves, tree, created_at`

// CreateCommitment inserts a commitment. An empty ID is replaced with a new
// UUID. Committing the same output key twice on one network returns
// ErrCommitmentExists.
func (s *Storage) CreateCommitment(c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	participantsJSON, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO commitments (`+commitmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.Label, c.Network, c.Threshold, c.GroupSize, string(participantsJSON),
		c.InternalKeyMode, c.InternalKey, c.OutputKey, c.Root, c.Address,
		c.Total, c.Dropped, c.MaxLeaves, c.Tree, c.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCommitmentExists
		}
		return fmt.Errorf("failed to create commitment: %w", err)
	}

	return nil
}

// GetCommitment retrieves a commitment by ID.
func (s *Storage) GetCommitment(id string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
	return scanCommitment(row)
}

// GetCommitmentByOutputKey retrieves a commitment by network and x-only
// output key.
func (s *Storage) GetCommitmentByOutputKey(network, outputKey string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+commitmentColumns+` FROM commitments WHERE network = ? AND output_key = ?`, network, outputKey)
	return scanCommitment(row)
}

// ListCommitments returns commitments, newest first.
func (s *Storage) ListCommitments(filter CommitmentFilter) ([]*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + commitmentColumns + ` FROM commitments WHERE 1=1`
	args := []interface{}{}

	if filter.Network != "" {
		query += " AND network = ?"
		args = append(args, filter.Network)
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}

	return out, nil
}

// CountCommitments returns the number of stored commitments.
func (s *Storage) CountCommitments() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM commitments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count commitments: %w", err)
	}
	return n, nil
}

// DeleteCommitment removes a commitment and its spend records.
func (s *Storage) DeleteCommitment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM commitments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete commitment: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCommitmentNotFound
	}
	return nil
}

// RecordSpend stores a spend proof issued for a commitment.
func (s *Storage) RecordSpend(rec *SpendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	signersJSON, err := json.Marshal(rec.Signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signers: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO spend_proofs (commitment_id, leaf_index, signers, proof, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.CommitmentID, rec.LeafIndex, string(signersJSON), rec.Proof, rec.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrCommitmentNotFound
		}
		return fmt.Errorf("failed to record spend: %w", err)
	}

	rec.ID, _ = result.LastInsertId()
	return nil
}

// ListSpends returns the spend proofs issued for a commitment, oldest first.
func (s *Storage) ListSpends(commitmentID string) ([]*SpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, commitment_id, leaf_index, signers, proof, created_at
		FROM spend_proofs WHERE commitment_id = ? ORDER BY id
	`, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spends: %w", err)
	}
	defer rows.Close()

	var out []*SpendRecord
	for rows.Next() {
		var rec SpendRecord
		var signersJSON string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.CommitmentID, &rec.LeafIndex, &signersJSON, &rec.Proof, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan spend: %w", err)
		}
		if err := json.Unmarshal([]byte(signersJSON), &rec.Signers); err != nil {
			return nil, fmt.Errorf("failed to parse signers: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list spends: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(row rowScanner) (*Commitment, error) {
	var c Commitment
	var label sql.NullString
	var participantsJSON string
	var createdAt int64

	err := row.Scan(
		&c.ID, &label, &c.Network, &c.Threshold, &c.GroupSize, &participantsJSON,
		&c.InternalKeyMode, &c.InternalKey, &c.OutputKey, &c.Root, &c.Address,
		&c.Total, &c.Dropped, &c.MaxLeaves, &c.Tree, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan commitment: %w", err)
	}

	if err := json.Unmarshal([]byte(participantsJSON), &c.Participants); err != nil {
		return nil, fmt.Errorf("failed to parse participants: %w", err)
	}
	c.Label = label.String
	c.CreatedAt = time.Unix(createdAt, 0)

	return &c, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
