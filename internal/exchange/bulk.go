package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// BulkResult summarizes a chunked job. Chunks commit independently, so a
// failed job may be partially applied; every patch is an absolute overwrite
// and the job can simply be run again.
type BulkResult struct {
	Job          string `json:"job"`
	Total        int    `json:"total"`
	Updated      int    `json:"updated"`
	Chunks       int    `json:"chunks"`
	FailedChunks int    `json:"failed_chunks"`
	Err          error  `json:"-"`
}

type BulkRunner struct {
	svc       *Service
	chunkSize int
}

func (s *Service) Bulk() *BulkRunner {
	return &BulkRunner{svc: s, chunkSize: s.opts.ChunkSize}
}

func (b *BulkRunner) run(ctx context.Context, job string, patches []CharacterPatch) BulkResult {
	res := BulkResult{Job: job, Total: len(patches)}
	var errs []error
	for start := 0; start < len(patches); start += b.chunkSize {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		end := min(start+b.chunkSize, len(patches))
		res.Chunks++
		n, err := b.svc.store.PatchCharacters(ctx, patches[start:end])
		b.svc.metrics.BulkChunk(job, n, err)
		if err != nil {
			res.FailedChunks++
			errs = append(errs, fmt.Errorf("chunk %d [%d:%d]: %w", res.Chunks, start, end, err))
			b.svc.log.Warn("bulk chunk failed", "job", job, "chunk", res.Chunks, "err", err)
			continue
		}
		res.Updated += n
		for _, p := range patches[start:end] {
			b.svc.changes.Publish(ChangeCharacter, p.ID, "")
		}
	}
	res.Err = errors.Join(errs...)
	b.svc.log.Info("bulk job finished",
		"job", job,
		"total", res.Total,
		"updated", res.Updated,
		"chunks", res.Chunks,
		"failed_chunks", res.FailedChunks,
	)
	return res
}

// ResetPopularityVotes zeroes popularity counters and ranks in one gender
// bucket.
func (b *BulkRunner) ResetPopularityVotes(ctx context.Context, bucket string) (BulkResult, error) {
	bucket = strings.ToLower(strings.TrimSpace(bucket))
	if bucket != BucketMale && bucket != BucketFemale {
		return BulkResult{}, ErrInvalidBucket
	}
	catalog, err := b.svc.store.Characters(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	var zero int64
	var patches []CharacterPatch
	for _, c := range catalog {
		if c.VoteBucket() != bucket {
			continue
		}
		patches = append(patches, CharacterPatch{ID: c.ID, PopularityVotes: &zero, PrevPopularityRank: &zero})
	}
	return b.result(ctx, "reset_popularity_"+bucket, patches)
}

func (b *BulkRunner) ResetStrengthVotes(ctx context.Context) (BulkResult, error) {
	catalog, err := b.svc.store.Characters(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	var zero int64
	patches := make([]CharacterPatch, 0, len(catalog))
	for _, c := range catalog {
		patches = append(patches, CharacterPatch{ID: c.ID, StrengthVotes: &zero, PrevStrengthRank: &zero})
	}
	return b.result(ctx, "reset_strength", patches)
}

// SnapshotRanks stores each character's current position as its previous
// rank. Strength is ranked across the catalog, popularity within each gender
// bucket.
func (b *BulkRunner) SnapshotRanks(ctx context.Context, category string) (BulkResult, error) {
	cat, err := NormalizeCategory(category)
	if err != nil {
		return BulkResult{}, err
	}
	catalog, err := b.svc.store.Characters(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	var patches []CharacterPatch
	if cat == CategoryStrength {
		for id, rank := range RankCharacters(catalog, cat) {
			patches = append(patches, CharacterPatch{ID: id, PrevStrengthRank: &rank})
		}
	} else {
		groups := map[string][]Character{}
		for _, c := range catalog {
			groups[c.VoteBucket()] = append(groups[c.VoteBucket()], c)
		}
		for _, group := range groups {
			for id, rank := range RankCharacters(group, cat) {
				patches = append(patches, CharacterPatch{ID: id, PrevPopularityRank: &rank})
			}
		}
	}
	slices.SortFunc(patches, func(a, b CharacterPatch) int { return strings.Compare(a.ID, b.ID) })
	return b.result(ctx, "snapshot_"+string(cat), patches)
}

func (b *BulkRunner) result(ctx context.Context, job string, patches []CharacterPatch) (BulkResult, error) {
	res := b.run(ctx, job, patches)
	return res, res.Err
}

// RankCharacters orders by votes descending with id ascending as the tie
// break and returns 1-based ranks.
func RankCharacters(cs []Character, cat VoteCategory) map[string]int64 {
	sorted := slices.Clone(cs)
	votes := func(c Character) int64 {
		if cat == CategoryPopularity {
			return c.PopularityVotes
		}
		return c.StrengthVotes
	}
	slices.SortFunc(sorted, func(a, b Character) int {
		if va, vb := votes(a), votes(b); va != vb {
			if va > vb {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	ranks := make(map[string]int64, len(sorted))
	for i, c := range sorted {
		ranks[c.ID] = int64(i + 1)
	}
	return ranks
}
