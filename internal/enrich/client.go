// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package enrich resolves free-text track metadata to stable identifiers.
//
// The identity-resolution service accepts a batch of lookup requests and
// returns a positionally parallel list of identifier sets. The client
// partitions large inputs into bounded sub-batches and isolates failures to
// the affected sub-batch: a failed lookup call never fails the outer batch,
// it only means fewer records proceed. Recovery for dropped sub-batches is
// redelivery of the outer queue message, not an inline retry.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/goccy/go-json"

	"github.com/audiolith/listenwriter/internal/config"
	"github.com/audiolith/listenwriter/internal/listen"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
)

// Request is one lookup item. Field names are the identity-resolution
// service's wire contract.
type Request struct {
	Artist        string   `json:"artist"`
	Title         string   `json:"title"`
	Release       string   `json:"release,omitempty"`
	ArtistMBIDs   []string `json:"artist_mbids,omitempty"`
	ReleaseMBID   string   `json:"release_mbid,omitempty"`
	RecordingMBID string   `json:"recording_mbid,omitempty"`
	TrackNumber   any      `json:"track_number,omitempty"`
	SpotifyID     string   `json:"spotify_id,omitempty"`
}

type response struct {
	Payload []responseItem `json:"payload"`
}

type responseItem struct {
	IDs responseIDs `json:"ids"`
}

type responseIDs struct {
	RecordingMSID string `json:"recording_msid"`
	ArtistMSID    string `json:"artist_msid"`
	ReleaseMSID   string `json:"release_msid"`
}

// Client calls the identity-resolution service in bounded sub-batches and
// merges the returned identifiers into the raw records.
type Client struct {
	httpClient *http.Client
	url        string
	maxBatch   int
}

// NewClient creates an enrichment client from configuration.
func NewClient(cfg config.EnrichmentConfig) *Client {
	maxBatch := cfg.MaxBatchSize
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		url:        cfg.URL,
		maxBatch:   maxBatch,
	}
}

// EnrichAll enriches raws in sub-batches of at most the configured maximum.
// The result omits every record of a sub-batch whose lookup call failed and
// every individual record whose response lacked the mandatory recording and
// artist identifiers. It never returns an error.
func (c *Client) EnrichAll(ctx context.Context, raws []listen.Raw) []listen.Raw {
	enriched := make([]listen.Raw, 0, len(raws))
	for start := 0; start < len(raws); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(raws) {
			end = len(raws)
		}
		enriched = append(enriched, c.enrichBatch(ctx, raws[start:end])...)
	}
	return enriched
}

// enrichBatch performs one lookup call and merges the response positionally.
func (c *Client) enrichBatch(ctx context.Context, chunk []listen.Raw) []listen.Raw {
	requests := make([]Request, len(chunk))
	for i, raw := range chunk {
		requests[i] = buildRequest(raw)
	}

	items, err := c.lookup(ctx, requests)
	if err != nil {
		metrics.EnrichmentLookupFailures.Inc()
		logging.Err(err).
			Int("records", len(chunk)).
			Msg("Identity-resolution lookup failed, dropping sub-batch")
		return nil
	}

	enriched := make([]listen.Raw, 0, len(chunk))
	for i, raw := range chunk {
		ids := items[i].IDs
		if ids.RecordingMSID == "" || ids.ArtistMSID == "" {
			metrics.EnrichmentRecordsDropped.Inc()
			logging.Warn().
				Str("user", raw.UserName).
				Str("track", raw.TrackMetadata.TrackName).
				Msg("Identity resolution returned incomplete ids, dropping record")
			continue
		}

		raw.RecordingMSID = ids.RecordingMSID
		if raw.TrackMetadata.AdditionalInfo == nil {
			raw.TrackMetadata.AdditionalInfo = make(map[string]any, 2)
		}
		raw.TrackMetadata.AdditionalInfo[listen.InfoKeyArtistMSID] = ids.ArtistMSID
		if ids.ReleaseMSID != "" {
			raw.TrackMetadata.AdditionalInfo[listen.InfoKeyReleaseMSID] = ids.ReleaseMSID
		}
		enriched = append(enriched, raw)
	}
	return enriched
}

// lookup performs the HTTP call. The response must be positionally parallel
// to the request; a length mismatch is treated as a failed call.
func (c *Client) lookup(ctx context.Context, requests []Request) ([]responseItem, error) {
	body, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lookup returned status %d: %s", resp.StatusCode, string(msg))
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	if len(decoded.Payload) != len(requests) {
		return nil, fmt.Errorf("lookup returned %d items for %d requests", len(decoded.Payload), len(requests))
	}
	return decoded.Payload, nil
}

// buildRequest projects a raw record onto the lookup key shape. Multi-valued
// identifier lists are sorted so equivalent records produce identical
// requests.
func buildRequest(raw listen.Raw) Request {
	req := Request{
		Artist:  raw.TrackMetadata.ArtistName,
		Title:   raw.TrackMetadata.TrackName,
		Release: raw.TrackMetadata.ReleaseName,
	}

	info := raw.TrackMetadata.AdditionalInfo
	if info == nil {
		return req
	}

	if mbids, ok := info["artist_mbids"].([]any); ok {
		sorted := make([]string, 0, len(mbids))
		for _, id := range mbids {
			if s, ok := id.(string); ok {
				sorted = append(sorted, s)
			}
		}
		sort.Strings(sorted)
		if len(sorted) > 0 {
			req.ArtistMBIDs = sorted
		}
	} else if mbids, ok := info["artist_mbids"].([]string); ok {
		sorted := append([]string(nil), mbids...)
		sort.Strings(sorted)
		req.ArtistMBIDs = sorted
	}

	if v, ok := info["release_mbid"].(string); ok {
		req.ReleaseMBID = v
	}
	if v, ok := info["recording_mbid"].(string); ok {
		req.RecordingMBID = v
	}
	if v, ok := info["track_number"]; ok {
		req.TrackNumber = v
	}
	if v, ok := info["spotify_id"].(string); ok {
		req.SpotifyID = v
	}
	return req
}
