// Package reconcile applies configured sender-to-label rules to a Gmail
// mailbox: it resolves each rule's label, finds the sender's messages inside
// the lookback window, and adds the label to exactly the messages that do
// not carry it yet.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ebalder/gmail-autolabel/internal/gmail"
	"github.com/ebalder/gmail-autolabel/internal/rate"
)

const (
	defaultPageSize = 500
	maxPageSize     = 500
)

// Rule expresses "messages from Sender should carry Label".
type Rule struct {
	Sender string
	Label  string
}

// RulesFromMap converts the configured sender-to-label mapping into a rule
// list ordered ascending by sender. Rule order does not affect the outcome;
// a stable order keeps logs and tests reproducible.
func RulesFromMap(m map[string]string) []Rule {
	rules := make([]Rule, 0, len(m))
	for sender, label := range m {
		rules = append(rules, Rule{Sender: sender, Label: label})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Sender < rules[j].Sender })
	return rules
}

// Spec describes one reconciliation run.
type Spec struct {
	Rules        []Rule
	LookbackDays int
	PageSize     int
	DryRun       bool
}

// Outcome records what happened to a single rule.
type Outcome struct {
	Rule    Rule
	Applied int // mutations issued (or counted, in dry-run)
	Skipped int // messages that already carried the label
	Failed  int // messages whose fetch or modify failed
	// Err is set when the rule never reached its messages (label
	// resolution or search failed). Rule errors do not abort the run.
	Err error
}

// Summary aggregates outcomes across all rules of a run.
type Summary struct {
	Outcomes    []Outcome
	Applied     int
	Skipped     int
	Failed      int
	FailedRules int
}

func (s *Summary) add(out Outcome) {
	s.Outcomes = append(s.Outcomes, out)
	s.Applied += out.Applied
	s.Skipped += out.Skipped
	s.Failed += out.Failed
	if out.Err != nil {
		s.FailedRules++
	}
}

// HasFailures reports whether any rule or message failed during the run.
func (s Summary) HasFailures() bool {
	return s.Failed > 0 || s.FailedRules > 0
}

// HumanSummary renders the run outcome for the log stream.
func (s Summary) HumanSummary() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "processed %d rules\n", len(s.Outcomes))
	for _, out := range s.Outcomes {
		if out.Err != nil {
			fmt.Fprintf(b, "  %s -> %q: rule failed: %v\n", out.Rule.Sender, out.Rule.Label, out.Err)
			continue
		}
		fmt.Fprintf(b, "  %s -> %q: applied %d, skipped %d, failed %d\n",
			out.Rule.Sender, out.Rule.Label, out.Applied, out.Skipped, out.Failed)
	}
	fmt.Fprintf(b, "totals: applied %d, skipped %d, failed %d", s.Applied, s.Skipped, s.Failed)
	if s.FailedRules > 0 {
		fmt.Fprintf(b, " (%d rules failed)", s.FailedRules)
	}
	b.WriteString("\n")
	return b.String()
}

// Service executes reconciliation runs against a Gmail mailbox.
type Service struct {
	Client  gmail.Client
	Limiter rate.Limiter
	Logger  *slog.Logger
	Clock   func() time.Time
}

// NewService constructs a Service with sane defaults.
func NewService(client gmail.Client, limiter rate.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
		Clock:   time.Now,
	}
}

// Run reconciles every rule in spec, sequentially and in order. Remote
// failures are scoped to the rule or message they hit and land in the
// summary; Run itself returns an error only for an invalid spec or a
// canceled context, in which case the summary covers the work done so far.
func (s *Service) Run(ctx context.Context, spec Spec) (Summary, error) {
	if spec.LookbackDays < 0 {
		return Summary{}, fmt.Errorf("lookback days must be >= 0, got %d", spec.LookbackDays)
	}
	pageSize := spec.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	cutoff := cutoffDay(s.Clock(), spec.LookbackDays)
	dir := newLabelDirectory(s.Client, s.wait)
	sum := Summary{Outcomes: make([]Outcome, 0, len(spec.Rules))}

	s.Logger.InfoContext(ctx, "starting reconciliation",
		slog.Int("rules", len(spec.Rules)),
		"lookback_days", spec.LookbackDays,
		"cutoff", cutoff.Format("2006/01/02"),
		"dry_run", spec.DryRun,
	)

	for _, rule := range spec.Rules {
		out, err := s.reconcileRule(ctx, dir, rule, cutoff, pageSize, spec.DryRun)
		sum.add(out)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// reconcileRule processes one rule. The returned error is non-nil only when
// the run context is done; every remote failure is recorded in the outcome
// instead.
func (s *Service) reconcileRule(
	ctx context.Context,
	dir *labelDirectory,
	rule Rule,
	cutoff time.Time,
	pageSize int,
	dryRun bool,
) (Outcome, error) {
	out := Outcome{Rule: rule}
	logger := s.Logger.With("sender", rule.Sender, "label", rule.Label)

	labelID, err := s.ruleLabelID(ctx, dir, rule, dryRun, logger)
	if err != nil {
		out.Err = err
		logger.Error("label resolution failed", "error", err)
		return out, ctx.Err()
	}

	ids, err := s.searchMessages(ctx, rule.Sender, cutoff, pageSize)
	if err != nil {
		out.Err = err
		logger.Error("message search failed", "error", err)
		return out, ctx.Err()
	}
	if len(ids) == 0 {
		logger.Info("no messages in window", "cutoff", cutoff.Format("2006/01/02"))
		return out, nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s.labelMessage(ctx, id, labelID, dryRun, logger, &out)
	}

	logger.Info("rule reconciled",
		"applied", out.Applied, "skipped", out.Skipped, "failed", out.Failed)
	return out, nil
}

// ruleLabelID resolves the rule's label id. In dry-run mode no label is
// created: a missing label means no message can carry it, so the empty id
// classifies every match as a would-be application.
func (s *Service) ruleLabelID(
	ctx context.Context,
	dir *labelDirectory,
	rule Rule,
	dryRun bool,
	logger *slog.Logger,
) (gmail.LabelID, error) {
	if !dryRun {
		return dir.resolve(ctx, rule.Label)
	}
	id, ok, err := dir.lookup(ctx, rule.Label)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Info("dry-run: would create label")
	}
	return id, nil
}

// labelMessage applies the decision for a single message and records it in
// the outcome. Fetch or modify failures are counted and logged; they never
// stop the remaining messages of the rule.
func (s *Service) labelMessage(
	ctx context.Context,
	id gmail.MessageID,
	labelID gmail.LabelID,
	dryRun bool,
	logger *slog.Logger,
	out *Outcome,
) {
	if err := s.wait(ctx); err != nil {
		out.Failed++
		logger.Warn("message fetch aborted", "id", id, "error", err)
		return
	}
	meta, err := s.Client.GetMessage(ctx, id)
	if err != nil {
		out.Failed++
		logger.Warn("message fetch failed", "id", id, "error", err)
		return
	}
	if labelID != "" && meta.HasLabel(labelID) {
		out.Skipped++
		logger.Info("message already labeled", "id", id)
		return
	}
	if dryRun {
		out.Applied++
		logger.Info("dry-run: would label message", "id", id)
		return
	}
	if err := s.wait(ctx); err != nil {
		out.Failed++
		logger.Warn("message modify aborted", "id", id, "error", err)
		return
	}
	if err := s.Client.AddLabel(ctx, id, labelID); err != nil {
		out.Failed++
		logger.Warn("message modify failed", "id", id, "error", err)
		return
	}
	out.Applied++
	logger.Info("labeled message", "id", id)
}

func (s *Service) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return ctx.Err()
	}
	return s.Limiter.Wait(ctx)
}
