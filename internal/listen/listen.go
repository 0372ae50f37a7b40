// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package listen defines the listen domain model and its wire representation.
//
// A listen is one play event: a user, a timestamp, and track metadata. Listens
// arrive off the incoming queue as JSON arrays of Raw records, are enriched with
// stable identifiers, and are parsed into validated Listen values before being
// written to the listen store. The JSON field names are a contract with upstream
// producers and downstream consumers and must not change.
package listen

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Additional-info keys populated by identity resolution.
const (
	InfoKeyArtistMSID  = "artist_msid"
	InfoKeyReleaseMSID = "release_msid"
)

// TrackMetadata carries the free-text track description of a listen.
// AdditionalInfo is an open mapping; known keys include artist_mbids,
// release_mbid, recording_mbid, track_number, spotify_id and, after
// enrichment, artist_msid and release_msid.
type TrackMetadata struct {
	ArtistName     string         `json:"artist_name"`
	TrackName      string         `json:"track_name"`
	ReleaseName    string         `json:"release_name,omitempty"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
}

// Raw is a listen as received off the wire, before validation. RecordingMSID
// is empty on arrival and set by the enrichment step.
type Raw struct {
	ListenedAt    int64         `json:"listened_at"`
	UserName      string        `json:"user_name"`
	RecordingMSID string        `json:"recording_msid,omitempty"`
	TrackMetadata TrackMetadata `json:"track_metadata"`
}

// Listen is a validated play event. It is constructed only via Parse.
type Listen struct {
	ListenedAt    int64         `json:"listened_at"`
	UserName      string        `json:"user_name"`
	RecordingMSID string        `json:"recording_msid"`
	TrackMetadata TrackMetadata `json:"track_metadata"`
}

// Key is the composite natural key used to correlate store-reported inserted
// rows back to in-memory listens. Two listens sharing all three fields within
// a batch are treated as the same logical event; the key is an accepted
// approximation, not a guaranteed-unique identity.
type Key struct {
	ListenedAt int64
	TrackName  string
	UserName   string
}

// Key returns the composite natural key of the listen.
func (l Listen) Key() Key {
	return Key{
		ListenedAt: l.ListenedAt,
		TrackName:  l.TrackMetadata.TrackName,
		UserName:   l.UserName,
	}
}

// String renders the key in its canonical timestamp-track-user form.
func (k Key) String() string {
	return fmt.Sprintf("%d-%s-%s", k.ListenedAt, k.TrackName, k.UserName)
}

// Parse validates a raw record and converts it into a Listen.
// It fails if the timestamp, user name, track name, artist name or resolved
// recording identifier are missing or malformed.
func Parse(r Raw) (Listen, error) {
	if r.ListenedAt <= 0 {
		return Listen{}, fmt.Errorf("invalid listened_at %d", r.ListenedAt)
	}
	if r.UserName == "" {
		return Listen{}, fmt.Errorf("missing user_name")
	}
	if r.TrackMetadata.TrackName == "" {
		return Listen{}, fmt.Errorf("missing track_name")
	}
	if r.TrackMetadata.ArtistName == "" {
		return Listen{}, fmt.Errorf("missing artist_name")
	}
	if r.RecordingMSID == "" {
		return Listen{}, fmt.Errorf("missing recording_msid")
	}

	return Listen{
		ListenedAt:    r.ListenedAt,
		UserName:      r.UserName,
		RecordingMSID: r.RecordingMSID,
		TrackMetadata: r.TrackMetadata,
	}, nil
}

// DecodeBatch decodes one incoming queue message body into raw records.
func DecodeBatch(body []byte) ([]Raw, error) {
	var raws []Raw
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode listen batch: %w", err)
	}
	return raws, nil
}

// EncodeBatch encodes listens into the outgoing queue message body.
// The encoding matches the incoming format so downstream consumers can reuse
// the same decoder.
func EncodeBatch(listens []Listen) ([]byte, error) {
	body, err := json.Marshal(listens)
	if err != nil {
		return nil, fmt.Errorf("encode listen batch: %w", err)
	}
	return body, nil
}
