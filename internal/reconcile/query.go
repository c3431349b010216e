package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ebalder/gmail-autolabel/internal/gmail"
)

// cutoffDay returns now minus days, truncated to the start of its calendar
// day. Gmail's `after:` operator treats the named day inclusively, so a
// message dated exactly days ago still falls inside the window.
func cutoffDay(now time.Time, days int) time.Time {
	t := now.AddDate(0, 0, -days)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// searchQuery forms the Gmail search predicate for one rule.
func searchQuery(sender string, cutoff time.Time) gmail.Query {
	return gmail.Query{Raw: fmt.Sprintf("from:%s after:%s", sender, cutoff.Format("2006/01/02"))}
}

// searchMessages collects ids of messages matching the rule's sender within
// the window, following continuation tokens until the result set is
// exhausted. An empty result is a normal outcome, not an error.
func (s *Service) searchMessages(
	ctx context.Context,
	sender string,
	cutoff time.Time,
	pageSize int,
) ([]gmail.MessageID, error) {
	q := searchQuery(sender, cutoff)
	var (
		ids   []gmail.MessageID
		token string
	)
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.Client.Search(ctx, q, token, pageSize)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q.Raw, err)
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			return ids, nil
		}
		token = page.NextPageToken
	}
}
