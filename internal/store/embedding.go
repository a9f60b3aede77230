package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// EmbeddingRecord associates a contiguous transcript span with a dense
// vector. Nearest-neighbour lookup is brute-force cosine similarity over
// the candidate rows for one episode; candidate sets stay small enough
// (a few hundred phrases per episode) that an index buys nothing here.
type EmbeddingRecord struct {
	EpisodeID    string
	SegmentStart float64
	SegmentEnd   float64
	Vector       []float32
	TextHash     string
	ModelName    string
	CreatedAt    time.Time
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// UpsertEmbedding inserts or replaces an embedding, keyed by
// (episode_id, segment_start, segment_end). Re-running with the same
// text_hash is idempotent by construction of the primary key.
func (s *Store) UpsertEmbedding(ctx context.Context, e *EmbeddingRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (episode_id, segment_start, segment_end, vector, text_hash, model_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id, segment_start, segment_end) DO UPDATE SET
			vector = excluded.vector,
			text_hash = excluded.text_hash,
			model_name = excluded.model_name`,
		e.EpisodeID, e.SegmentStart, e.SegmentEnd, encodeVector(e.Vector), e.TextHash, e.ModelName, now)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddingsForEpisode returns every embedding for an episode.
func (s *Store) ListEmbeddingsForEpisode(ctx context.Context, episodeID string) ([]*EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, segment_start, segment_end, vector, text_hash, model_name, created_at
		FROM embeddings WHERE episode_id = ? ORDER BY segment_start ASC`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*EmbeddingRecord
	for rows.Next() {
		var e EmbeddingRecord
		var vecBuf []byte
		if err := rows.Scan(&e.EpisodeID, &e.SegmentStart, &e.SegmentEnd, &vecBuf, &e.TextHash, &e.ModelName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = decodeVector(vecBuf)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ScoredEmbedding pairs an embedding with its similarity to a query vector.
type ScoredEmbedding struct {
	Embedding *EmbeddingRecord
	Score     float64
}

// NearestNeighbors performs a brute-force cosine-similarity search over
// an episode's embeddings (see type doc for why this isn't index-backed)
// and returns the top-k matches, highest score first.
func (s *Store) NearestNeighbors(ctx context.Context, episodeID string, query []float32, k int) ([]ScoredEmbedding, error) {
	candidates, err := s.ListEmbeddingsForEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredEmbedding, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, ScoredEmbedding{Embedding: c, Score: cosineSimilarity(query, c.Vector)})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// IndexEpisodeFTS (re)populates the full-text-search row for an episode,
// called once a transcript is finalized. Implemented as delete+insert
// rather than an UPDATE since episode_fts is a contentless-adjacent FTS5
// table keyed by episode_id, not rowid.
func (s *Store) IndexEpisodeFTS(ctx context.Context, episodeID, title, transcriptText string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM episode_fts WHERE episode_id = ?`, episodeID); err != nil {
			return fmt.Errorf("clear fts row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episode_fts (episode_id, title, transcript_text) VALUES (?, ?, ?)`,
			episodeID, title, transcriptText); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
		return nil
	})
}

// SearchEpisodeFTS runs a full-text query against titles and transcripts,
// returning matching episode ids ranked by relevance.
func (s *Store) SearchEpisodeFTS(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM episode_fts WHERE episode_fts MATCH ? ORDER BY rank LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search episode fts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan fts result: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
