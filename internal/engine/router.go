package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/internal/metrics"
)

// PlannedUpdate is one metadata write a plan performs
type PlannedUpdate struct {
	Key    MetadataKey
	Update MetadataUpdate
}

// Plan is what the Router decided to do for one event
type Plan struct {
	EventID string
	Event   string
	RepoID  string
	Builds  []BuildRequest
	Updates []PlannedUpdate
	// Report is set for build status events; it is recorded and announced on Apply
	Report *BuildReport
	// Dropped is set when the event was discarded because its policy could not be loaded
	Dropped bool
	// Reason explains an empty plan
	Reason string
}

// IsEmpty reports whether applying the plan would do nothing
func (p Plan) IsEmpty() bool {
	return len(p.Builds) == 0 && len(p.Updates) == 0 && p.Report == nil
}

// Router maps inbound events to builds and metadata updates
type Router struct {
	policies   PolicyProvider
	selector   *Selector
	metadata   MetadataStore
	dispatcher Dispatcher
	ledger     BuildLedger
	notifier   Notifier
	logger     *slog.Logger
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithBuildLedger records build reports that carry no pull request context
func WithBuildLedger(ledger BuildLedger) RouterOption {
	return func(r *Router) { r.ledger = ledger }
}

// WithNotifier announces build reports back to the source-control server
func WithNotifier(n Notifier) RouterOption {
	return func(r *Router) { r.notifier = n }
}

// NewRouter creates a Router
func NewRouter(policies PolicyProvider, graph CommitGraph, metadata MetadataStore, dispatcher Dispatcher, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		policies:   policies,
		selector:   NewSelector(graph, policies, logger),
		metadata:   metadata,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes the event and applies the resulting plan in the caller's goroutine
func (r *Router) Handle(ctx context.Context, ev Event) (Plan, error) {
	plan, err := r.Route(ctx, ev)
	if err != nil {
		return plan, err
	}
	if err := r.Apply(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// Route decides what an event requires without dispatching builds
func (r *Router) Route(ctx context.Context, ev Event) (Plan, error) {
	if ev == nil {
		return Plan{}, cierrors.ErrUnknownEvent
	}
	plan := Plan{
		EventID: uuid.NewString(),
		Event:   ev.EventName(),
		RepoID:  ev.repoID(),
	}
	logger := r.logger.With("event_id", plan.EventID, "event", plan.Event, "repo", plan.RepoID)

	var err error
	switch e := ev.(type) {
	case PushEvent:
		err = r.routePush(ctx, logger, e, &plan)
	case PullRequestOpened:
		err = r.routeVerifyPR(ctx, logger, e.PullRequest, &plan)
	case PullRequestRescoped:
		err = r.routeVerifyPR(ctx, logger, e.PullRequest, &plan)
	case PullRequestCommented:
		r.routeComment(logger, e, &plan)
	case PullRequestMerged:
		err = r.routeMerged(ctx, logger, e, &plan)
	case BuildStatusReported:
		err = r.routeReport(logger, e, &plan)
	default:
		err = fmt.Errorf("%w: %T", cierrors.ErrUnknownEvent, ev)
	}

	outcome := "planned"
	switch {
	case err != nil:
		outcome = "error"
		logger.Error("failed to route event", "error", err)
	case plan.Dropped:
		outcome = "dropped"
	case plan.IsEmpty():
		outcome = "noop"
		logger.Debug("event requires no action", "reason", plan.Reason)
	}
	metrics.Events.WithLabelValues(plan.Event, outcome).Inc()
	return plan, err
}

// policy loads the repository policy, marking the plan dropped on failure
func (r *Router) policy(ctx context.Context, logger *slog.Logger, repoID string, plan *Plan) (RepositoryPolicy, bool) {
	policy, err := r.policies.RepositoryPolicy(ctx, repoID)
	if err != nil {
		logger.Error("failed to load repository policy, dropping event",
			"error", cierrors.NewPolicyError(repoID, err))
		plan.Dropped = true
		plan.Reason = "policy lookup failed"
		return RepositoryPolicy{}, false
	}
	return policy, true
}

func (r *Router) routePush(ctx context.Context, logger *slog.Logger, e PushEvent, plan *Plan) error {
	policy, ok := r.policy(ctx, logger, e.RepoID, plan)
	if !ok {
		return nil
	}
	if !policy.CIEnabled {
		plan.Reason = "ci disabled"
		return nil
	}
	sel, err := r.selector.Plan(ctx, policy, e.Changes)
	if err != nil {
		return err
	}
	plan.Builds = sel.Builds(e.RepoID)
	logger.Info("push planned", "publish", len(sel.Published), "verify", len(sel.Verify), "truncated", sel.Truncated)
	return nil
}

func (r *Router) routeVerifyPR(ctx context.Context, logger *slog.Logger, pr PullRequest, plan *Plan) error {
	logger = logger.With("pr", pr.ID)
	policy, ok := r.policy(ctx, logger, pr.RepoID, plan)
	if !ok {
		return nil
	}
	switch {
	case !policy.CIEnabled:
		plan.Reason = "ci disabled"
		return nil
	case !policy.JobEnabled(JobVerifyPR):
		plan.Reason = "verify_pr disabled"
		return nil
	case !policy.MatchesVerify(pr.ToRef.ID):
		plan.Reason = fmt.Sprintf("target %s does not match verify pattern", pr.ToRef.ID)
		return nil
	}

	key := pr.Key()
	if policy.RebuildOnTargetUpdate {
		row, err := r.metadata.GetOrCreate(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load metadata for %s: %w", pr, err)
		}
		if row.BuildStarted {
			plan.Reason = "build already started for this diff"
			return nil
		}
	} else {
		rows, err := r.metadata.ListByFromSha(ctx, pr.RepoID, pr.ID, pr.FromRef.LatestCommit)
		if err != nil {
			return fmt.Errorf("failed to load metadata for %s: %w", pr, err)
		}
		for _, row := range rows {
			if row.BuildStarted {
				plan.Reason = "build already started for this source commit"
				return nil
			}
		}
	}

	plan.Builds = append(plan.Builds, BuildRequest{
		RepoID: pr.RepoID,
		Kind:   JobVerifyPR,
		Commit: pr.ToRef.LatestCommit,
		Merge: &MergeContext{
			PullRequestID: pr.ID,
			MergeRef:      pr.FromRef.ID,
			MergeHead:     pr.FromRef.LatestCommit,
		},
		Reason: plan.Event,
	})
	plan.Updates = append(plan.Updates, PlannedUpdate{Key: key, Update: MetadataUpdate{BuildStarted: boolPtr(true)}})
	logger.Info("pull request verify build planned", "from", pr.FromRef.LatestCommit, "to", pr.ToRef.LatestCommit)
	return nil
}

func (r *Router) routeComment(logger *slog.Logger, e PullRequestCommented, plan *Plan) {
	if !strings.Contains(e.Text, OverrideMarker) {
		plan.Reason = "comment has no override marker"
		return
	}
	logger.Info("merge override requested", "pr", e.PullRequest.ID)
	plan.Updates = append(plan.Updates, PlannedUpdate{
		Key:    e.PullRequest.Key(),
		Update: MetadataUpdate{Override: boolPtr(true)},
	})
}

func (r *Router) routeMerged(ctx context.Context, logger *slog.Logger, e PullRequestMerged, plan *Plan) error {
	pr := e.PullRequest
	logger = logger.With("pr", pr.ID)
	if _, err := ParseCommitID(string(e.MergeCommit)); err != nil {
		return fmt.Errorf("merge commit for %s: %w", pr, err)
	}
	policy, ok := r.policy(ctx, logger, pr.RepoID, plan)
	if !ok {
		return nil
	}
	if !policy.CIEnabled {
		plan.Reason = "ci disabled"
		return nil
	}

	var kind JobKind
	switch {
	case policy.MatchesPublish(pr.ToRef.ID):
		kind = JobPublish
	case policy.MatchesVerify(pr.ToRef.ID):
		kind = JobVerifyCommit
	default:
		plan.Reason = fmt.Sprintf("target %s matches no build pattern", pr.ToRef.ID)
		return nil
	}
	plan.Builds = append(plan.Builds, BuildRequest{
		RepoID: pr.RepoID,
		Kind:   kind,
		Commit: e.MergeCommit,
		Reason: plan.Event,
	})
	logger.Info("merge build planned", "kind", kind, "commit", e.MergeCommit)
	return nil
}

func (r *Router) routeReport(logger *slog.Logger, e BuildStatusReported, plan *Plan) error {
	report := e.Report
	if _, err := ParseCommitID(string(report.BuildHead)); err != nil {
		return fmt.Errorf("build head: %w", err)
	}
	update := report.MetadataUpdate()
	if update.IsEmpty() {
		return fmt.Errorf("%w: %v", cierrors.ErrUnknownBuildState, report.State)
	}
	plan.Report = &report
	if report.IsPullRequest() {
		if _, err := ParseCommitID(string(report.MergeHead)); err != nil {
			return fmt.Errorf("merge head: %w", err)
		}
		plan.Updates = append(plan.Updates, PlannedUpdate{Key: report.MetadataKey(), Update: update})
	}
	logger.Info("build status reported", "kind", report.Kind, "state", report.State,
		"build", report.BuildNumber, "commit", report.BuildHead, "pr", report.PullRequestID)
	return nil
}

// Apply dispatches the plan's builds in order, then writes its metadata
// updates. It stops at the first dispatch failure without retrying.
func (r *Router) Apply(ctx context.Context, plan Plan) error {
	logger := r.logger.With("event_id", plan.EventID, "event", plan.Event, "repo", plan.RepoID)

	for _, build := range plan.Builds {
		if err := r.dispatch(ctx, logger, build); err != nil {
			return err
		}
	}

	for _, u := range plan.Updates {
		if err := r.metadata.Update(ctx, u.Key, u.Update); err != nil {
			return fmt.Errorf("failed to update metadata for %s#%d: %w", u.Key.RepoID, u.Key.PullRequestID, err)
		}
	}

	if plan.Report != nil {
		if !plan.Report.IsPullRequest() && r.ledger != nil {
			if err := r.ledger.RecordBuild(ctx, *plan.Report); err != nil {
				return fmt.Errorf("failed to record build %d: %w", plan.Report.BuildNumber, err)
			}
		}
		if r.notifier != nil {
			if err := r.notifier.NotifyBuild(ctx, *plan.Report); err != nil {
				logger.Warn("failed to publish build status", "build", plan.Report.BuildNumber, "error", err)
			}
		}
	}
	return nil
}

// Retrigger dispatches a build on request, ignoring recorded metadata
func (r *Router) Retrigger(ctx context.Context, req BuildRequest) error {
	if _, err := ParseCommitID(string(req.Commit)); err != nil {
		return err
	}
	switch req.Kind {
	case JobVerifyCommit, JobPublish:
		req.Merge = nil
	case JobVerifyPR:
		if req.Merge == nil {
			return fmt.Errorf("%s build of %s requires a pull request", req.Kind, req.Commit)
		}
		if _, err := ParseCommitID(string(req.Merge.MergeHead)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %v", cierrors.ErrUnknownJobKind, req.Kind)
	}
	if req.Reason == "" {
		req.Reason = "retrigger"
	}
	logger := r.logger.With("event_id", uuid.NewString(), "event", "retrigger", "repo", req.RepoID)
	return r.dispatch(ctx, logger, req)
}

func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, build BuildRequest) error {
	kind := build.Kind.String()
	if err := r.dispatcher.DispatchBuild(ctx, build); err != nil {
		metrics.DispatchFailures.WithLabelValues(kind).Inc()
		logger.Error("failed to dispatch build", "kind", kind, "commit", build.Commit, "error", err)
		return fmt.Errorf("dispatch %s build of %s: %w", kind, build.Commit, err)
	}
	metrics.BuildsDispatched.WithLabelValues(kind).Inc()
	logger.Info("build dispatched", "kind", kind, "commit", build.Commit)
	return nil
}
