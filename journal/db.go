/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"go.uber.org/zap"
)

//go:embed schema.sql
var createDB string

// DB is a Store backed by a SQLite database file.
type DB struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenDB opens (creating if needed) the SQLite database at dbPath and
// makes sure its schema exists.
func OpenDB(ctx context.Context, dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var version string
	err = db.QueryRowContext(ctx, "SELECT sqlite_version() AS version").Scan(&version)
	if err == nil {
		Log.Info("using sqlite", zap.String("version", version), zap.String("path", dbPath))
	}

	if _, err := db.ExecContext(ctx, createDB); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) CreateTravel(ctx context.Context, t *Travel) error {
	now := time.Now()
	if t.StartDate.IsZero() {
		t.StartDate = now
	}
	t.Created, t.Updated = now, now

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.QueryRowContext(ctx,
		`INSERT INTO travels (name, description, start_date, end_date, cover_picture_id, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		t.Name, nullString(t.Description), t.StartDate.UnixMilli(), nullTime(t.EndDate), t.CoverID,
		t.Created.UnixMilli(), t.Updated.UnixMilli()).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("%w: inserting travel: %w", ErrStorageFailure, err)
	}
	return nil
}

func (d *DB) Travel(ctx context.Context, id int64) (*Travel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var t Travel
	var desc sql.NullString
	var start, created, updated int64
	var end, cover sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, description, start_date, end_date, cover_picture_id, created, updated
		FROM travels WHERE id=? LIMIT 1`, id).
		Scan(&t.ID, &t.Name, &desc, &start, &end, &cover, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: travel %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying travel %d: %w", ErrStorageFailure, id, err)
	}
	t.Description = desc.String
	t.StartDate = time.UnixMilli(start)
	if end.Valid {
		e := time.UnixMilli(end.Int64)
		t.EndDate = &e
	}
	if cover.Valid {
		t.CoverID = &cover.Int64
	}
	t.Created, t.Updated = time.UnixMilli(created), time.UnixMilli(updated)
	return &t, nil
}

func (d *DB) SaveTravel(ctx context.Context, t *Travel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return saveTravel(ctx, d.db, t)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTravel(ctx context.Context, db execer, t *Travel) error {
	t.Updated = time.Now()
	res, err := db.ExecContext(ctx,
		`UPDATE travels SET name=?, description=?, start_date=?, end_date=?, cover_picture_id=?, updated=?
		WHERE id=?`,
		t.Name, nullString(t.Description), t.StartDate.UnixMilli(), nullTime(t.EndDate), t.CoverID,
		t.Updated.UnixMilli(), t.ID)
	if err != nil {
		return fmt.Errorf("%w: updating travel %d: %w", ErrStorageFailure, t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: travel %d", ErrNotFound, t.ID)
	}
	return nil
}

func (d *DB) InsertPicture(ctx context.Context, p *Picture, travel *Travel) error {
	if p.Created.IsZero() {
		p.Created = time.Now()
	}
	_, offset := p.CapturedAt.Zone()

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO pictures
			(travel_id, folder, original_filename, raw_path, latitude, longitude, altitude,
			captured, captured_offset, width, height, content_hash, thumb_hash, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.TravelID, p.Folder, p.OriginalFilename, p.RawPath, p.GPS.Latitude, p.GPS.Longitude,
		nullString(p.GPS.Altitude), p.CapturedAt.UnixMilli(), offset, p.Width, p.Height,
		p.ContentHash, p.Thumbhash, p.Created.UnixMilli()).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("%w: inserting picture: %w", ErrStorageFailure, err)
	}

	if err := insertVersions(ctx, tx, p.ID, p.Versions); err != nil {
		return err
	}

	if travel != nil {
		if err := saveTravel(ctx, tx, travel); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %w", ErrStorageFailure, err)
	}
	return nil
}

func insertVersions(ctx context.Context, tx *sql.Tx, pictureID int64, versions map[DeviceClass][]Variant) error {
	for _, class := range DeviceClasses {
		for i, v := range versions[class] {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO picture_versions (picture_id, device_class, position, scale, width, height, format, path)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				pictureID, string(class), i, v.Scale, v.Width, v.Height, v.Format.Ext(), v.Path)
			if err != nil {
				return fmt.Errorf("%w: inserting %s version %d of picture %d: %w", ErrStorageFailure, class, i, pictureID, err)
			}
		}
	}
	return nil
}

// ReplaceVersions swaps the stored version list of a picture.
func (d *DB) ReplaceVersions(ctx context.Context, pictureID int64, versions map[DeviceClass][]Variant) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM picture_versions WHERE picture_id=?`, pictureID); err != nil {
		return fmt.Errorf("%w: clearing versions of picture %d: %w", ErrStorageFailure, pictureID, err)
	}
	if err := insertVersions(ctx, tx, pictureID, versions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %w", ErrStorageFailure, err)
	}
	return nil
}

const pictureColumns = `id, travel_id, folder, original_filename, raw_path, latitude, longitude, altitude,
	captured, captured_offset, width, height, content_hash, thumb_hash, created`

func (d *DB) Picture(ctx context.Context, id int64) (*Picture, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRowContext(ctx, `SELECT `+pictureColumns+` FROM pictures WHERE id=? LIMIT 1`, id)
	p, err := scanPicture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: picture %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying picture %d: %w", ErrStorageFailure, id, err)
	}
	if err := d.loadVersions(ctx, []*Picture{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *DB) PicturesByTravel(ctx context.Context, travelID int64) ([]*Picture, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+pictureColumns+` FROM pictures WHERE travel_id=? ORDER BY captured, id`, travelID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying pictures of travel %d: %w", ErrStorageFailure, travelID, err)
	}
	defer rows.Close()

	pictures := []*Picture{}
	for rows.Next() {
		p, err := scanPicture(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning picture row: %w", ErrStorageFailure, err)
		}
		pictures = append(pictures, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating picture rows: %w", ErrStorageFailure, err)
	}

	if err := d.loadVersions(ctx, pictures); err != nil {
		return nil, err
	}
	return pictures, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPicture(row scanner) (*Picture, error) {
	var p Picture
	var alt sql.NullString
	var captured, created int64
	var offset int
	var width, height sql.NullInt64
	err := row.Scan(&p.ID, &p.TravelID, &p.Folder, &p.OriginalFilename, &p.RawPath,
		&p.GPS.Latitude, &p.GPS.Longitude, &alt, &captured, &offset, &width, &height,
		&p.ContentHash, &p.Thumbhash, &created)
	if err != nil {
		return nil, err
	}
	p.GPS.Altitude = alt.String
	p.CapturedAt = time.UnixMilli(captured).In(time.FixedZone("", offset))
	p.Width, p.Height = int(width.Int64), int(height.Int64)
	p.Created = time.UnixMilli(created)
	return &p, nil
}

// loadVersions fills in the Versions of each picture. The read lock must be held.
func (d *DB) loadVersions(ctx context.Context, pictures []*Picture) error {
	for _, p := range pictures {
		rows, err := d.db.QueryContext(ctx,
			`SELECT device_class, scale, width, height, format, path
			FROM picture_versions WHERE picture_id=? ORDER BY device_class, position`, p.ID)
		if err != nil {
			return fmt.Errorf("%w: querying versions of picture %d: %w", ErrStorageFailure, p.ID, err)
		}

		p.Versions = make(map[DeviceClass][]Variant, len(DeviceClasses))
		for _, class := range DeviceClasses {
			p.Versions[class] = []Variant{}
		}

		for rows.Next() {
			var v Variant
			var class, format string
			if err := rows.Scan(&class, &v.Scale, &v.Width, &v.Height, &format, &v.Path); err != nil {
				rows.Close()
				return fmt.Errorf("%w: scanning version row: %w", ErrStorageFailure, err)
			}
			if err := v.Format.UnmarshalText([]byte(format)); err != nil {
				rows.Close()
				return fmt.Errorf("%w: picture %d: %w", ErrStorageFailure, p.ID, err)
			}
			v.DeviceClass = DeviceClass(class)
			p.Versions[v.DeviceClass] = append(p.Versions[v.DeviceClass], v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("%w: iterating version rows: %w", ErrStorageFailure, err)
		}
	}
	return nil
}

func (d *DB) DeletePicture(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `DELETE FROM pictures WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting picture %d: %w", ErrStorageFailure, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: picture %d", ErrNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// interface guard
var _ Store = (*DB)(nil)
