// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/audiolith/listenwriter/internal/listen"
)

// TimescaleStore implements ListenStore on a TimescaleDB listen hypertable.
//
// Deduplication happens in the database: the insert carries
// ON CONFLICT DO NOTHING on the (listened_at, track_name, user_name) natural
// key, and RETURNING reports exactly the rows that were newly written.
type TimescaleStore struct {
	db *sql.DB
}

// NewTimescaleStore creates a listen store on the given database handle.
func NewTimescaleStore(db *sql.DB) *TimescaleStore {
	return &TimescaleStore{db: db}
}

// Open opens a Postgres/Timescale connection pool for the given URI.
func Open(uri string) (*sql.DB, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	return db, nil
}

// Insert writes the batch in one statement and returns the composite keys of
// the newly persisted rows. Connectivity failures are reported as
// ErrUnavailable; an empty key list on success means every row was a
// duplicate of prior state.
func (s *TimescaleStore) Insert(ctx context.Context, listens []listen.Listen) ([]listen.Key, error) {
	if len(listens) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(listens)*5)
	)
	sb.WriteString(`INSERT INTO listen (listened_at, track_name, user_name, recording_msid, data) VALUES `)
	for i, l := range listens {
		data, err := json.Marshal(l.TrackMetadata)
		if err != nil {
			return nil, fmt.Errorf("encode track metadata: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, l.ListenedAt, l.TrackMetadata.TrackName, l.UserName, l.RecordingMSID, data)
	}
	sb.WriteString(` ON CONFLICT (listened_at, track_name, user_name) DO NOTHING` +
		` RETURNING listened_at, track_name, user_name`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var inserted []listen.Key
	for rows.Next() {
		var key listen.Key
		if err := rows.Scan(&key.ListenedAt, &key.TrackName, &key.UserName); err != nil {
			return nil, fmt.Errorf("scan inserted key: %w", err)
		}
		inserted = append(inserted, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return inserted, nil
}

// classify maps connectivity failures onto ErrUnavailable and leaves other
// errors untouched apart from context.
func classify(err error) error {
	if isTransient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("query listen insert: %w", err)
}

// isTransient reports whether err indicates the database is unreachable
// rather than the statement being rejected.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, class 53: insufficient resources,
		// 57P01-57P03: server shutdown / crash / cannot connect now.
		class := string(pqErr.Code.Class())
		if class == "08" || class == "53" || strings.HasPrefix(string(pqErr.Code), "57P") {
			return true
		}
	}
	return false
}
