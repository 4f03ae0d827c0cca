package exchange

import (
	"context"
	"errors"
	"strings"
)

// CastVote spends the account's daily vote for one bucket. The quota marker
// and the counter increment commit together.
func (s *Service) CastVote(ctx context.Context, in VoteInput) (VoteReceipt, error) {
	var out VoteReceipt
	category, err := NormalizeCategory(in.Category)
	if err != nil {
		return out, err
	}
	in.CharacterID = strings.TrimSpace(in.CharacterID)
	in.Bucket = strings.ToLower(strings.TrimSpace(in.Bucket))

	err = s.runTx(ctx, "vote", func(ctx context.Context, tx Tx) error {
		settings, err := tx.Settings(ctx)
		if err != nil {
			return err
		}
		switch category {
		case CategoryPopularity:
			if !settings.PopularityVotingEnabled {
				return ErrVotingDisabled
			}
		case CategoryStrength:
			if !settings.StrongestVotingEnabled {
				return ErrVotingDisabled
			}
		}

		c, ok, err := tx.Character(ctx, in.CharacterID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAssetNotFound
		}
		acct, ok, err := tx.Account(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		if acct.Banned {
			return ErrAccountBanned
		}

		bucket, err := voteBucket(category, c, in.Bucket)
		if err != nil {
			return err
		}
		now := s.now()
		day := DayKey(now)
		if err := tx.CreateVoteMarker(ctx, VoteMarker{
			ID:          VoteMarkerID(day, acct.ID, bucket),
			Day:         day,
			AccountID:   acct.ID,
			Bucket:      bucket,
			CharacterID: c.ID,
			Category:    category,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		var votes int64
		if category == CategoryPopularity {
			c.PopularityVotes++
			votes = c.PopularityVotes
		} else {
			c.StrengthVotes++
			votes = c.StrengthVotes
		}
		c.UpdatedAt = now
		if err := tx.PutCharacter(ctx, c); err != nil {
			return err
		}
		out = VoteReceipt{CharacterID: c.ID, Category: category, Bucket: bucket, Day: day, Votes: votes}
		return nil
	})
	if err != nil {
		if !errors.As(err, new(*Error)) {
			s.log.Error("vote failed", "account_id", in.AccountID, "character_id", in.CharacterID, "err", err)
		}
		return VoteReceipt{}, err
	}
	s.metrics.VoteCast(category)
	s.changes.Publish(ChangeVote, out.CharacterID, in.AccountID)
	s.changes.Publish(ChangeCharacter, out.CharacterID, "")
	return out, nil
}

func voteBucket(category VoteCategory, c Character, requested string) (string, error) {
	want := BucketStrongest
	if category == CategoryPopularity {
		want = c.VoteBucket()
	}
	if requested != "" && requested != want {
		return "", ErrInvalidBucket
	}
	return want, nil
}
