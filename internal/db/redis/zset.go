package redis

import (
	"context"
	"strconv"

	"github.com/civica-dev/legisearch/internal/db"
)

// ZAdd adds or updates a member with the given score.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	cmd := s.b().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpZAdd, Err: err}
	}
	return nil
}

// ZRangeByScore returns up to limit members with score <= max, ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	cmd := s.b().Zrangebyscore().Key(key).
		Min("-inf").Max(strconv.FormatFloat(max, 'f', -1, 64)).
		Limit(0, int64(limit)).Build()
	members, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, &db.Error{Op: db.OpZRange, Err: err}
	}
	return members, nil
}

// ZRem removes a member. The claimant that observes a removal count of 1
// owns the member; concurrent removers observe 0.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	cmd := s.b().Zrem().Key(key).Member(member).Build()
	removed, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return false, &db.Error{Op: db.OpZRem, Err: err}
	}
	return removed == 1, nil
}

// ZCard returns the member count.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	cmd := s.b().Zcard().Key(key).Build()
	count, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, &db.Error{Op: db.OpZCard, Err: err}
	}
	return count, nil
}
