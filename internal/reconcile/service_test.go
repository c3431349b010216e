package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ebalder/gmail-autolabel/internal/gmail"
)

type fakeClient struct {
	labels  []gmail.Label
	listSeq [][]gmail.Label // scripted ListLabels results, served in order
	pages   map[string][]gmail.ListPage
	metas   map[gmail.MessageID]gmail.MessageMeta

	listErr   error
	createErr error
	searchErr map[string]error
	getErr    map[gmail.MessageID]error
	addErr    map[gmail.MessageID]error

	listCalls int
	created   []string
	added     map[gmail.MessageID][]gmail.LabelID
	searches  []string
	pageSizes []int
}

func (f *fakeClient) ListLabels(ctx context.Context) ([]gmail.Label, error) {
	_ = ctx
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.listSeq) > 0 {
		labels := f.listSeq[0]
		f.listSeq = f.listSeq[1:]
		return labels, nil
	}
	return append([]gmail.Label(nil), f.labels...), nil
}

func (f *fakeClient) CreateLabel(ctx context.Context, name string) (gmail.Label, error) {
	_ = ctx
	if f.createErr != nil {
		return gmail.Label{}, f.createErr
	}
	l := gmail.Label{ID: gmail.LabelID("Label_" + name), Name: name}
	f.labels = append(f.labels, l)
	f.created = append(f.created, name)
	return l, nil
}

func (f *fakeClient) Search(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	_ = ctx
	f.searches = append(f.searches, q.Raw)
	f.pageSizes = append(f.pageSizes, pageSize)
	if err := f.searchErr[q.Raw]; err != nil {
		return gmail.ListPage{}, err
	}
	idx := 0
	if pageToken != "" {
		i, err := strconv.Atoi(pageToken)
		if err != nil {
			return gmail.ListPage{}, fmt.Errorf("bad page token %q", pageToken)
		}
		idx = i
	}
	pages := f.pages[q.Raw]
	if idx >= len(pages) {
		return gmail.ListPage{}, nil
	}
	return pages[idx], nil
}

func (f *fakeClient) GetMessage(ctx context.Context, id gmail.MessageID) (gmail.MessageMeta, error) {
	_ = ctx
	if err := f.getErr[id]; err != nil {
		return gmail.MessageMeta{}, err
	}
	meta, ok := f.metas[id]
	if !ok {
		return gmail.MessageMeta{ID: id}, nil
	}
	return meta, nil
}

func (f *fakeClient) AddLabel(ctx context.Context, id gmail.MessageID, label gmail.LabelID) error {
	_ = ctx
	if err := f.addErr[id]; err != nil {
		return err
	}
	if f.added == nil {
		f.added = make(map[gmail.MessageID][]gmail.LabelID)
	}
	f.added[id] = append(f.added[id], label)
	if f.metas == nil {
		f.metas = make(map[gmail.MessageID]gmail.MessageMeta)
	}
	meta := f.metas[id]
	meta.ID = id
	meta.LabelIDs = append(meta.LabelIDs, label)
	f.metas[id] = meta
	return nil
}

// newTestService pins the clock to 2026-03-15 so a 30 day lookback always
// yields the cutoff 2026/02/13.
func newTestService(client gmail.Client) *Service {
	svc := NewService(client, nil, slogDiscard())
	svc.Clock = func() time.Time { return time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC) }
	return svc
}

const billingQuery = "from:billing@example.com after:2026/02/13"

func TestRunAppliesAndSkips(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
		pages: map[string][]gmail.ListPage{
			billingQuery: {{IDs: []gmail.MessageID{"m1", "m2"}}},
		},
		metas: map[gmail.MessageID]gmail.MessageMeta{
			"m1": {ID: "m1", LabelIDs: []gmail.LabelID{"Label_Bills", "INBOX"}},
			"m2": {ID: "m2", LabelIDs: []gmail.LabelID{"INBOX"}},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Applied != 1 || sum.Skipped != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := client.added["m2"]; len(got) != 1 || got[0] != "Label_Bills" {
		t.Fatalf("m2 labels added = %v", got)
	}
	if _, ok := client.added["m1"]; ok {
		t.Fatalf("m1 was already labeled, no modify expected")
	}
	if len(client.searches) == 0 || client.searches[0] != billingQuery {
		t.Fatalf("search queries = %v", client.searches)
	}
	if sum.HasFailures() {
		t.Fatalf("unexpected failures: %+v", sum)
	}
}

func TestRunCreatesMissingLabel(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]gmail.ListPage{
			"from:news@example.com after:2026/02/13": {{IDs: []gmail.MessageID{"m1"}}},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "news@example.com", Label: "Newsletters"}},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(client.created) != 1 || client.created[0] != "Newsletters" {
		t.Fatalf("created labels = %v", client.created)
	}
	if got := client.added["m1"]; len(got) != 1 || got[0] != "Label_Newsletters" {
		t.Fatalf("m1 labels added = %v", got)
	}
	if sum.Applied != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunSecondRunSkipsEverything(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]gmail.ListPage{
			billingQuery: {{IDs: []gmail.MessageID{"m1", "m2"}}},
		},
	}
	svc := newTestService(client)
	spec := Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
	}

	first, err := svc.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Applied != 2 || first.Skipped != 0 {
		t.Fatalf("first summary = %+v", first)
	}

	second, err := svc.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Applied != 0 || second.Skipped != 2 || second.Failed != 0 {
		t.Fatalf("second summary = %+v", second)
	}
	if len(client.created) != 1 {
		t.Fatalf("label created again: %v", client.created)
	}
}

func TestRunEmptyWindow(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Applied != 0 || sum.Skipped != 0 || sum.Failed != 0 || sum.FailedRules != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(client.added) != 0 || len(client.created) != 0 {
		t.Fatalf("mutations on empty window: added=%v created=%v", client.added, client.created)
	}
}

func TestRunDryRunPerformsNoMutations(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]gmail.ListPage{
			"from:news@example.com after:2026/02/13": {{IDs: []gmail.MessageID{"m1", "m2"}}},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "news@example.com", Label: "Newsletters"}},
		LookbackDays: 30,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(client.created) != 0 {
		t.Fatalf("dry-run created labels: %v", client.created)
	}
	if len(client.added) != 0 {
		t.Fatalf("dry-run modified messages: %v", client.added)
	}
	if sum.Applied != 2 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunDryRunCountsSkips(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
		pages: map[string][]gmail.ListPage{
			billingQuery: {{IDs: []gmail.MessageID{"m1", "m2"}}},
		},
		metas: map[gmail.MessageID]gmail.MessageMeta{
			"m1": {ID: "m1", LabelIDs: []gmail.LabelID{"Label_Bills"}},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Applied != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(client.added) != 0 {
		t.Fatalf("dry-run modified messages: %v", client.added)
	}
}

func TestRunMessageFailuresDoNotAbortRule(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
		pages: map[string][]gmail.ListPage{
			billingQuery: {{IDs: []gmail.MessageID{"m1", "m2", "m3"}}},
		},
		getErr: map[gmail.MessageID]error{
			"m1": &gmail.RemoteError{Op: "get", Status: 500, Err: errors.New("backend")},
		},
		addErr: map[gmail.MessageID]error{
			"m3": &gmail.RemoteError{Op: "modify", Status: 403, Err: errors.New("denied")},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Applied != 1 || sum.Failed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := client.added["m2"]; len(got) != 1 {
		t.Fatalf("m2 labels added = %v", got)
	}
	if !sum.HasFailures() {
		t.Fatalf("expected failures in %+v", sum)
	}
}

func TestRunRuleFailureDoesNotAbortRun(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{
			{ID: "Label_A", Name: "A"},
			{ID: "Label_B", Name: "B"},
		},
		pages: map[string][]gmail.ListPage{
			"from:b@example.com after:2026/02/13": {{IDs: []gmail.MessageID{"m1"}}},
		},
		searchErr: map[string]error{
			"from:a@example.com after:2026/02/13": &gmail.RemoteError{
				Op: "search", Status: 503, Err: errors.New("unavailable"),
			},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules: []Rule{
			{Sender: "a@example.com", Label: "A"},
			{Sender: "b@example.com", Label: "B"},
		},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sum.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}
	if sum.Outcomes[0].Err == nil {
		t.Fatalf("first rule should have failed")
	}
	if sum.Outcomes[1].Applied != 1 {
		t.Fatalf("second rule outcome = %+v", sum.Outcomes[1])
	}
	if sum.FailedRules != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunPaginatesSearch(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
		pages: map[string][]gmail.ListPage{
			billingQuery: {
				{IDs: []gmail.MessageID{"m1", "m2"}, NextPageToken: "1"},
				{IDs: []gmail.MessageID{"m3"}},
			},
		},
	}
	svc := newTestService(client)

	sum, err := svc.Run(context.Background(), Spec{
		Rules:        []Rule{{Sender: "billing@example.com", Label: "Bills"}},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Applied != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(client.searches) != 2 {
		t.Fatalf("expected 2 search pages, got %v", client.searches)
	}
}

func TestRunListsLabelsOnce(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{
			{ID: "Label_A", Name: "A"},
			{ID: "Label_B", Name: "B"},
		},
	}
	svc := newTestService(client)

	_, err := svc.Run(context.Background(), Spec{
		Rules: []Rule{
			{Sender: "a@example.com", Label: "A"},
			{Sender: "b@example.com", Label: "B"},
		},
		LookbackDays: 30,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if client.listCalls != 1 {
		t.Fatalf("label list fetched %d times", client.listCalls)
	}
}

func TestRunDefaultsPageSize(t *testing.T) {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_Bills", Name: "Bills"}},
	}
	svc := newTestService(client)
	rules := []Rule{{Sender: "billing@example.com", Label: "Bills"}}

	if _, err := svc.Run(context.Background(), Spec{Rules: rules, LookbackDays: 30}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := svc.Run(context.Background(), Spec{
		Rules: rules, LookbackDays: 30, PageSize: 9000,
	}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for i, size := range client.pageSizes {
		if size != 500 {
			t.Fatalf("search %d used page size %d", i, size)
		}
	}
}

func TestRunCanceledContextReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_A", Name: "A"}},
	}
	svc := newTestService(client)

	sum, err := svc.Run(ctx, Spec{
		Rules: []Rule{
			{Sender: "a@example.com", Label: "A"},
			{Sender: "b@example.com", Label: "B"},
		},
		LookbackDays: 30,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(sum.Outcomes) != 1 {
		t.Fatalf("expected the partial outcome only, got %+v", sum.Outcomes)
	}
}

func TestRunRejectsNegativeLookback(t *testing.T) {
	svc := newTestService(&fakeClient{})
	_, err := svc.Run(context.Background(), Spec{LookbackDays: -1})
	if err == nil {
		t.Fatalf("expected error for negative lookback")
	}
}

func TestRulesFromMapSortsBySender(t *testing.T) {
	rules := RulesFromMap(map[string]string{
		"c@example.com": "C",
		"a@example.com": "A",
		"b@example.com": "B",
	})
	want := []Rule{
		{Sender: "a@example.com", Label: "A"},
		{Sender: "b@example.com", Label: "B"},
		{Sender: "c@example.com", Label: "C"},
	}
	if len(rules) != len(want) {
		t.Fatalf("rules = %+v", rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Fatalf("rules[%d] = %+v, want %+v", i, rules[i], want[i])
		}
	}
}

func TestSummaryHumanSummary(t *testing.T) {
	var sum Summary
	sum.add(Outcome{
		Rule: Rule{Sender: "a@example.com", Label: "A"}, Applied: 2, Skipped: 1,
	})
	sum.add(Outcome{
		Rule: Rule{Sender: "b@example.com", Label: "B"}, Err: errors.New("boom"),
	})

	text := sum.HumanSummary()
	if !strings.Contains(text, "totals: applied 2, skipped 1, failed 0") {
		t.Fatalf("summary text missing totals:\n%s", text)
	}
	if !strings.Contains(text, "rule failed: boom") {
		t.Fatalf("summary text missing rule failure:\n%s", text)
	}
	if !strings.Contains(text, "(1 rules failed)") {
		t.Fatalf("summary text missing failed rule count:\n%s", text)
	}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
