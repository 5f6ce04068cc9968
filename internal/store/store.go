// Package store persists anchor state in SQLite so anchors can be restored
// on restart without re-deriving their globe transforms.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/star/geoanchor/internal/anchor"
)

//go:embed schema.sql
var schemaSQL string

// transformBlobSize is 16 little-endian float64 values.
const transformBlobSize = 16 * 8

var errInvalidBlob = errors.New("store: invalid globe transform encoding")

// Store is a SQLite-backed anchor state store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open anchor store: %w", err)
	}
	// One connection: writes are serialized and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply anchor store schema: %w", err)
	}

	logger.Info("anchor store opened", "component", "store", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save upserts the given states in one transaction.
func (s *Store) Save(ctx context.Context, states map[string]anchor.State) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anchor_states (
			id, globe_transform, globe_transform_valid,
			longitude, latitude, height,
			ecef_x, ecef_y, ecef_z,
			teleport, adjust_orientation, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			globe_transform = excluded.globe_transform,
			globe_transform_valid = excluded.globe_transform_valid,
			longitude = excluded.longitude,
			latitude = excluded.latitude,
			height = excluded.height,
			ecef_x = excluded.ecef_x,
			ecef_y = excluded.ecef_y,
			ecef_z = excluded.ecef_z,
			teleport = excluded.teleport,
			adjust_orientation = excluded.adjust_orientation,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for id, st := range states {
		_, err := stmt.ExecContext(ctx,
			id, encodeTransform(st.GlobeTransform), st.GlobeTransformValid,
			st.Longitude, st.Latitude, st.Height,
			st.ECEFX, st.ECEFY, st.ECEFZ,
			st.TeleportWhenUpdatingTransform, st.AdjustOrientationForGlobeWhenMoving, now,
		)
		if err != nil {
			return fmt.Errorf("save anchor %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

const selectColumns = `
	id, globe_transform, globe_transform_valid,
	longitude, latitude, height,
	ecef_x, ecef_y, ecef_z,
	teleport, adjust_orientation
`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (string, anchor.State, error) {
	var (
		id   string
		blob []byte
		st   anchor.State
	)
	err := row.Scan(&id, &blob, &st.GlobeTransformValid,
		&st.Longitude, &st.Latitude, &st.Height,
		&st.ECEFX, &st.ECEFY, &st.ECEFZ,
		&st.TeleportWhenUpdatingTransform, &st.AdjustOrientationForGlobeWhenMoving,
	)
	if err != nil {
		return "", st, err
	}
	st.GlobeTransform, err = decodeTransform(blob)
	if err != nil {
		return "", st, fmt.Errorf("anchor %s: %w", id, err)
	}
	return id, st, nil
}

// LoadAll returns every stored state keyed by anchor id.
func (s *Store) LoadAll(ctx context.Context) (map[string]anchor.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM anchor_states ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]anchor.State)
	for rows.Next() {
		id, st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("load anchors: %w", err)
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}
	return out, nil
}

// Delete removes the state stored for id, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM anchor_states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete anchor %s: %w", id, err)
	}
	return nil
}

func encodeTransform(a [16]float64) []byte {
	buf := make([]byte, transformBlobSize)
	for i, v := range a {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeTransform(buf []byte) ([16]float64, error) {
	var a [16]float64
	if len(buf) != transformBlobSize {
		return a, fmt.Errorf("%w: %d bytes", errInvalidBlob, len(buf))
	}
	for i := range a {
		a[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return a, nil
}
