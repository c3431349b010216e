package reconcile

import (
	"context"
	"fmt"

	"github.com/ebalder/gmail-autolabel/internal/gmail"
)

// labelDirectory resolves label names to ids for one run. The remote label
// list is fetched once, lazily, on the first lookup; ids of labels created
// during the run are cached so repeated names across rules cost no further
// calls.
type labelDirectory struct {
	client gmail.Client
	wait   func(context.Context) error
	byName map[string]gmail.LabelID
}

func newLabelDirectory(client gmail.Client, wait func(context.Context) error) *labelDirectory {
	return &labelDirectory{client: client, wait: wait}
}

// lookup returns the cached id for name without creating anything remotely.
func (d *labelDirectory) lookup(ctx context.Context, name string) (gmail.LabelID, bool, error) {
	if d.byName == nil {
		if err := d.list(ctx); err != nil {
			return "", false, err
		}
	}
	id, ok := d.byName[name]
	return id, ok, nil
}

// resolve returns the id for name, creating the label remotely when the
// mailbox does not have it yet.
func (d *labelDirectory) resolve(ctx context.Context, name string) (gmail.LabelID, error) {
	id, ok, err := d.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	if err := d.wait(ctx); err != nil {
		return "", err
	}
	created, err := d.client.CreateLabel(ctx, name)
	if gmail.IsConflict(err) {
		// Another writer created the name between our list and create.
		// Re-list once and adopt the existing id.
		if listErr := d.list(ctx); listErr != nil {
			return "", listErr
		}
		if id, ok := d.byName[name]; ok {
			return id, nil
		}
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	d.byName[name] = created.ID
	return created.ID, nil
}

func (d *labelDirectory) list(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	labels, err := d.client.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	d.byName = make(map[string]gmail.LabelID, len(labels))
	for _, l := range labels {
		d.byName[l.Name] = l.ID
	}
	return nil
}
