package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/ebalder/gmail-autolabel/internal/gmail"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxCallAttempts    = 4
)

// googleClient adapts *gmail.Service to the narrow gc.Client surface. Every
// call runs under a bounded timeout and transient statuses are retried with
// jittered backoff before the error is handed to the caller.
type googleClient struct {
	svc     *gmail.Service
	timeout time.Duration

	backoffMin time.Duration
	backoffMax time.Duration
}

var _ gc.Client = (*googleClient)(nil)

func NewGoogleAPIClient(svc *gmail.Service, timeout time.Duration) *googleClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &googleClient{
		svc:        svc,
		timeout:    timeout,
		backoffMin: 500 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func (g *googleClient) ListLabels(ctx context.Context) ([]gc.Label, error) {
	var labels []gc.Label
	err := g.call(ctx, "labels.list", func(cctx context.Context) error {
		res, err := g.svc.Users.Labels.List("me").Context(cctx).Do()
		if err != nil {
			return err
		}
		labels = make([]gc.Label, 0, len(res.Labels))
		for _, l := range res.Labels {
			labels = append(labels, gc.Label{ID: gc.LabelID(l.Id), Name: l.Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

func (g *googleClient) CreateLabel(ctx context.Context, name string) (gc.Label, error) {
	var created gc.Label
	err := g.call(ctx, "labels.create", func(cctx context.Context) error {
		res, err := g.svc.Users.Labels.Create("me", &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(cctx).Do()
		if err != nil {
			return err
		}
		created = gc.Label{ID: gc.LabelID(res.Id), Name: res.Name}
		return nil
	})
	if err != nil {
		return gc.Label{}, err
	}
	return created, nil
}

func (g *googleClient) Search(
	ctx context.Context,
	q gc.Query,
	pageToken string,
	pageSize int,
) (gc.ListPage, error) {
	var page gc.ListPage
	err := g.call(ctx, "messages.list", func(cctx context.Context) error {
		call := g.svc.Users.Messages.List("me").Q(q.Raw).MaxResults(int64(pageSize))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(cctx).Do()
		if err != nil {
			return err
		}
		ids := make([]gc.MessageID, 0, len(res.Messages))
		for _, m := range res.Messages {
			ids = append(ids, gc.MessageID(m.Id))
		}
		page = gc.ListPage{IDs: ids, NextPageToken: res.NextPageToken}
		return nil
	})
	if err != nil {
		return gc.ListPage{}, err
	}
	return page, nil
}

func (g *googleClient) GetMessage(ctx context.Context, id gc.MessageID) (gc.MessageMeta, error) {
	var meta gc.MessageMeta
	err := g.call(ctx, "messages.get", func(cctx context.Context) error {
		res, err := g.svc.Users.Messages.Get("me", string(id)).
			Format("metadata").Context(cctx).Do()
		if err != nil {
			return err
		}
		labels := make([]gc.LabelID, 0, len(res.LabelIds))
		for _, l := range res.LabelIds {
			labels = append(labels, gc.LabelID(l))
		}
		meta = gc.MessageMeta{ID: id, LabelIDs: labels}
		return nil
	})
	if err != nil {
		return gc.MessageMeta{}, err
	}
	return meta, nil
}

func (g *googleClient) AddLabel(ctx context.Context, id gc.MessageID, label gc.LabelID) error {
	return g.call(ctx, "messages.modify", func(cctx context.Context) error {
		_, err := g.svc.Users.Messages.Modify("me", string(id), &gmail.ModifyMessageRequest{
			AddLabelIds: []string{string(label)},
		}).Context(cctx).Do()
		return err
	})
}

// call runs fn under the per-call timeout and retries statuses worth
// retrying. The parent ctx is consulted between attempts so cancellation is
// never delayed by a backoff sleep.
func (g *googleClient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: g.backoffMin, Max: g.backoffMax, Factor: 2, Jitter: true}
	for {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		wrapped := wrapRemote(op, err)
		var remote *gc.RemoteError
		if !errors.As(wrapped, &remote) || !remote.Temporary() {
			return wrapped
		}
		if b.Attempt() >= maxCallAttempts-1 {
			return wrapped
		}
		select {
		case <-ctx.Done():
			return wrapped
		case <-time.After(b.Duration()):
		}
	}
}

func wrapRemote(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &gc.RemoteError{Op: op, Status: gerr.Code, Err: err}
	}
	return &gc.RemoteError{Op: op, Err: err}
}
