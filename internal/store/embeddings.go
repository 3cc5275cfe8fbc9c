package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// UpsertEmbedding inserts or replaces the vector for one transcript span.
// Re-inserting the same (episode, start, end, text_hash) is a no-op, which
// makes embed jobs safely re-runnable.
func (s *Store) UpsertEmbedding(ctx context.Context, r *EmbeddingRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (episode_id, segment_start, segment_end, text_hash, model_name, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (episode_id, segment_start, segment_end) DO UPDATE SET
			text_hash = excluded.text_hash,
			model_name = excluded.model_name,
			vector = excluded.vector
		WHERE embeddings.text_hash != excluded.text_hash
		   OR embeddings.model_name != excluded.model_name`,
		r.EpisodeID, r.SegmentStart, r.SegmentEnd, r.TextHash, r.ModelName,
		encodeVector(r.Vector), timeVal(now))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// DeleteEmbeddings clears all vectors for an episode (used before
// re-transcription invalidates the spans wholesale).
func (s *Store) DeleteEmbeddings(ctx context.Context, episodeID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE episode_id = ?`, episodeID)
	if err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// CountEmbeddings returns the number of stored vectors for an episode.
func (s *Store) CountEmbeddings(ctx context.Context, episodeID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE episode_id = ?`, episodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// EmbeddingMatch is one nearest-neighbour result.
type EmbeddingMatch struct {
	Record EmbeddingRecord
	Score  float64 // cosine similarity, higher is closer
}

// NearestEmbeddings scans stored vectors for the top-k cosine matches. The
// scan is brute force over the fixed-dimension column; callers bound k.
func (s *Store) NearestEmbeddings(ctx context.Context, query []float32, k int) ([]EmbeddingMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, segment_start, segment_end, text_hash, model_name, vector, created_at
		FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []EmbeddingMatch
	for rows.Next() {
		var r EmbeddingRecord
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&r.EpisodeID, &r.SegmentStart, &r.SegmentEnd,
			&r.TextHash, &r.ModelName, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		r.Vector = decodeVector(blob)
		r.CreatedAt = scanTimeValue(createdAt)
		matches = append(matches, EmbeddingMatch{Record: r, Score: cosine(query, r.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// encodeVector packs float32 values as a little-endian blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
