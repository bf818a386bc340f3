package campaign

import (
	"context"
	"fmt"

	"tgblast/internal/storage"
)

// enumerate yields the campaign's target descriptors: ordered, capped
// by limit_count, each qualifying target at most once per pass. An
// empty result is not an error; the worker marks such a campaign done
// on its first tick.
func (s *Service) enumerate(ctx context.Context, c *storage.Campaign, explicit []int64) ([]storage.Target, error) {
	limit := c.LimitCount

	if c.Source == storage.SourceExplicit {
		return dedupe(explicitTargets(explicit), limit), nil
	}

	var (
		targets []storage.Target
		err     error
	)
	switch c.Source {
	case storage.SourceSubscribers:
		// the one source shared across owners
		targets, err = s.st.ListSubscribers(ctx, limit)
	case storage.SourceHarvestedUsers:
		targets, err = s.st.ListHarvestedUsers(ctx, c.OwnerID, limit)
	case storage.SourceHarvestedChats:
		targets, err = s.st.ListHarvestedChats(ctx, c.OwnerID, c.ChatID, limit)
	default:
		return nil, fmt.Errorf("unknown target source %q", c.Source)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(targets, limit), nil
}

func explicitTargets(ids []int64) []storage.Target {
	out := make([]storage.Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, storage.Target{ID: id})
	}
	return out
}

// dedupe keeps the first occurrence of each target id, preserving
// order, then applies the cap.
func dedupe(in []storage.Target, limit int) []storage.Target {
	seen := make(map[int64]struct{}, len(in))
	out := make([]storage.Target, 0, len(in))
	for _, t := range in {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
