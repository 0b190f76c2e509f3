package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
)

// CompetitionArchive keeps every round's ranked proposals in SQLite for solver reporting.
type CompetitionArchive struct {
	db *sql.DB
}

func NewCompetitionArchive(path string) (*CompetitionArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	a := &CompetitionArchive{db: db}
	if err := a.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *CompetitionArchive) init() error {
	_, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS competition (
            round_id INTEGER NOT NULL,
            proposal_id TEXT NOT NULL,
            solver TEXT NOT NULL,
            objective TEXT,
            ranking INTEGER NOT NULL,
            winner INTEGER NOT NULL,
            rejection TEXT,
            received_at TEXT NOT NULL,
            PRIMARY KEY(round_id, proposal_id)
        );`)
	if err != nil {
		return fmt.Errorf("init competition schema: %w", err)
	}
	return nil
}

func (a *CompetitionArchive) Close() error { return a.db.Close() }

// RecordCompetition stores entries, replacing any earlier copy of the same proposal.
func (a *CompetitionArchive) RecordCompetition(ctx context.Context, roundID uint64, entries []auction.Entry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO competition
        (round_id, proposal_id, solver, objective, ranking, winner, rejection, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		winner := 0
		if e.Winner {
			winner = 1
		}
		_, err := stmt.ExecContext(ctx, int64(roundID), e.ProposalID.String(), e.Solver, e.Objective,
			e.Rank, winner, e.Rejection, e.ReceivedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("record proposal %s: %w", e.ProposalID, err)
		}
	}
	return tx.Commit()
}

// Competition returns the entries of a round: ranked proposals first, then rejections.
func (a *CompetitionArchive) Competition(ctx context.Context, roundID uint64) ([]auction.Entry, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT proposal_id, solver, objective, ranking, winner, rejection, received_at
        FROM competition WHERE round_id = ?
        ORDER BY ranking = 0, ranking, received_at, solver`, int64(roundID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auction.Entry
	for rows.Next() {
		var (
			id, receivedAt       string
			objective, rejection sql.NullString
			winner               int
			e                    = auction.Entry{RoundID: roundID}
		)
		if err := rows.Scan(&id, &e.Solver, &objective, &e.Rank, &winner, &rejection, &receivedAt); err != nil {
			return nil, err
		}
		if e.ProposalID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("proposal id %q: %w", id, err)
		}
		if e.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
			return nil, fmt.Errorf("received_at %q: %w", receivedAt, err)
		}
		e.Objective = objective.String
		e.Rejection = rejection.String
		e.Winner = winner == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ auction.Archive = (*CompetitionArchive)(nil)
