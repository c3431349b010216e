package gmail

import "context"

// Client is the narrow Gmail surface required by gmail-autolabel. The
// reconciler depends on this interface only; the google.golang.org/api
// adapter lives in internal/runtime.
type Client interface {
	ListLabels(ctx context.Context) ([]Label, error)
	CreateLabel(ctx context.Context, name string) (Label, error)
	Search(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	GetMessage(ctx context.Context, id MessageID) (MessageMeta, error)
	AddLabel(ctx context.Context, id MessageID, label LabelID) error
}
