package changerequest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ford/pkg/capability"
	"ford/pkg/capability/fsys"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/logx"
	"ford/pkg/resilience"
	"ford/pkg/validation"
)

var (
	// ErrCheckpoint wraps failures to durably record a change request. The request is not halted;
	// it resumes from its last recorded state.
	ErrCheckpoint = errors.New("checkpoint write failed")
	// ErrNotAwaiting is returned for a decision the change request is not waiting for.
	ErrNotAwaiting = errors.New("change request is not awaiting this signal")
	// ErrTokenMismatch is returned when a signal carries a stale resumption token.
	ErrTokenMismatch = errors.New("resumption token does not match")
	// ErrTerminal is returned when acting on a merged or halted change request.
	ErrTerminal = errors.New("change request is terminal")
)

// Outcome is where Run left the change request.
type Outcome int

const (
	// OutcomeSuspended means the request waits for a signal or was interrupted.
	OutcomeSuspended Outcome = iota
	OutcomeMerged
	OutcomeHalted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeHalted:
		return "halted"
	default:
		return "suspended"
	}
}

// Validator runs the validation pipeline.
type Validator interface {
	Validate(ctx context.Context, req validation.Request) (*validation.Report, error)
	RunStage(ctx context.Context, req validation.Request, stage validation.Stage) (validation.StageResult, error)
}

// Saver durably records a change request. It is called after every transition and before every
// external side effect.
type Saver interface {
	SaveChangeRequest(ctx context.Context, cr *ChangeRequest) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, cr *ChangeRequest) error

// SaveChangeRequest implements Saver.
func (f SaverFunc) SaveChangeRequest(ctx context.Context, cr *ChangeRequest) error { return f(ctx, cr) }

// Config tunes the driver.
type Config struct {
	BaseBranch        string
	DeletionThreshold int
	SlugLength        int
	MaxContextFiles   int
	MaxContextBytes   int
	IssueLabels       []string
}

// Deps are the collaborators of a Driver. Every capability call goes through Gateway.
type Deps struct {
	Gateway   *gateway.Gateway
	Generator capability.CodeGenerator
	Forge     capability.Forge
	Workspace capability.Workspace
	Files     capability.Filesystem
	Validator Validator
	Saver     Saver
	Clock     func() time.Time
	Tokens    func() string
}

// Driver executes the change request state machine. It holds no per-request state; each call
// operates on the record it is given, and callers serialize calls per change request.
type Driver struct {
	cfg    Config
	deps   Deps
	logger *logx.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg Config, deps Deps) *Driver {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.DeletionThreshold <= 0 {
		cfg.DeletionThreshold = 100
	}
	if cfg.SlugLength <= 0 {
		cfg.SlugLength = DefaultSlugLength
	}
	if cfg.MaxContextFiles <= 0 {
		cfg.MaxContextFiles = 20
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = 32 << 10
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Tokens == nil {
		deps.Tokens = uuid.NewString
	}
	return &Driver{cfg: cfg, deps: deps, logger: logx.NewLogger("changerequest")}
}

func (d *Driver) now() time.Time { return d.deps.Clock().UTC() }

// Open creates the change request for an approved cluster and records it.
func (d *Driver) Open(ctx context.Context, cl *feedback.Cluster) (*ChangeRequest, error) {
	return d.OpenAs(ctx, uuid.NewString(), cl)
}

// OpenAs is Open with a caller-chosen id.
func (d *Driver) OpenAs(ctx context.Context, id string, cl *feedback.Cluster) (*ChangeRequest, error) {
	if cl.Status != feedback.ClusterApproved {
		return nil, fmt.Errorf("cluster %s is %s, not approved", cl.ID, cl.Status)
	}
	cr := New(id, cl.ID, titleFor(cl), d.now())
	if err := d.save(ctx, cr); err != nil {
		return nil, err
	}
	d.logger.Info("[%s] opened for cluster %s: %s", cr.ID, cl.ID, cr.Title)
	return cr, nil
}

func titleFor(cl *feedback.Cluster) string {
	theme := strings.TrimSpace(cl.Theme)
	if theme == "" {
		theme = "feedback cluster " + cl.ID
	}
	if len(theme) > 72 {
		theme = strings.TrimSpace(theme[:72])
	}
	return fmt.Sprintf("[%s] %s", cl.Category, theme)
}

// Run advances cr until it suspends or reaches a terminal state. Failures halt the request with
// their error kind recorded; an interrupted context or a checkpoint failure leaves it in its
// current state and is returned as an error.
func (d *Driver) Run(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeSuspended, err
		}

		var (
			suspend bool
			err     error
		)
		switch cr.State {
		case StateGenerating:
			suspend, err = d.generate(ctx, cr, cl)
		case StateAwaitingDeletionApproval:
			suspend, err = d.awaitDeletion(ctx, cr, cl)
		case StateValidating:
			err = d.validate(ctx, cr)
		case StatePendingReview:
			suspend, err = d.review(ctx, cr)
		case StateApproved:
			err = d.merge(ctx, cr)
		case StateRejected:
			reason := "rejected by reviewer"
			if cr.ReviewerNotes != "" {
				reason += ": " + cr.ReviewerNotes
			}
			if err = cr.Halt("rejected", reason, d.now()); err == nil {
				d.logger.Info("[%s] rejected -> halted", cr.ID)
				err = d.save(ctx, cr)
			}
		case StateMerged:
			d.release(ctx, cr)
			return OutcomeMerged, nil
		case StateHalted:
			d.release(ctx, cr)
			return OutcomeHalted, nil
		default:
			err = resilience.Permanent(fmt.Errorf("unknown state %q", cr.State))
		}

		switch {
		case err == nil && suspend:
			return OutcomeSuspended, nil
		case err == nil:
			continue
		case ctx.Err() != nil:
			return OutcomeSuspended, ctx.Err()
		case errors.Is(err, ErrCheckpoint):
			return OutcomeSuspended, err
		}
		if herr := d.halt(ctx, cr, err); herr != nil {
			return OutcomeSuspended, herr
		}
	}
}

func (d *Driver) transition(ctx context.Context, cr *ChangeRequest, next State, reason string) error {
	from := cr.State
	if err := cr.TransitionTo(next, reason, d.now()); err != nil {
		return resilience.Permanent(err)
	}
	d.logger.Info("[%s] %s -> %s: %s", cr.ID, from, next, reason)
	return d.save(ctx, cr)
}

func (d *Driver) halt(ctx context.Context, cr *ChangeRequest, cause error) error {
	kind := resilience.KindOf(cause)
	from := cr.State
	if err := cr.Halt(kind.String(), cause.Error(), d.now()); err != nil {
		return err
	}
	if kind == resilience.KindSecurity {
		d.logger.Error("[%s] %s -> halted (security): %v", cr.ID, from, cause)
	} else {
		d.logger.Warn("[%s] %s -> halted (%s): %v", cr.ID, from, kind, cause)
	}
	return d.save(ctx, cr)
}

func (d *Driver) save(ctx context.Context, cr *ChangeRequest) error {
	if d.deps.Saver == nil {
		return nil
	}
	if err := d.deps.Saver.SaveChangeRequest(ctx, cr); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	return nil
}

func (d *Driver) release(ctx context.Context, cr *ChangeRequest) {
	err := d.deps.Gateway.Do(context.WithoutCancel(ctx), gateway.Request{Tool: gateway.ToolWorkspace, Op: "release"},
		func(ctx context.Context) error { return d.deps.Workspace.Release(ctx, cr.ID) })
	if err != nil {
		d.logger.Warn("[%s] failed to release workspace: %v", cr.ID, err)
	}
}

// generate runs the test-first generation phases.
func (d *Driver) generate(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster) (bool, error) {
	if cr.IssueNumber == 0 {
		if err := d.openIssue(ctx, cr, cl); err != nil {
			return false, err
		}
	}
	dir, err := d.prepare(ctx, cr)
	if err != nil {
		return false, err
	}
	scope := scopeFor(dir, cl)

	for {
		switch cr.Phase {
		case PhaseStart:
			if err := d.generateTests(ctx, cr, cl, dir, scope); err != nil {
				return false, err
			}
		case PhaseTestsApplied:
			if err := d.confirmFailing(ctx, cr, dir); err != nil {
				return false, err
			}
		case PhaseTestsConfirmed:
			if err := d.generateFix(ctx, cr, cl, dir, scope); err != nil {
				return false, err
			}
		case PhaseFixGenerated:
			if cr.DeletedLines > d.cfg.DeletionThreshold && !cr.DeletionApproved {
				reason := fmt.Sprintf("%d deleted lines exceed %d", cr.DeletedLines, d.cfg.DeletionThreshold)
				if err := cr.TransitionTo(StateAwaitingDeletionApproval, reason, d.now()); err != nil {
					return false, resilience.Permanent(err)
				}
				cr.Await(AwaitDeletionApproval, d.deps.Tokens(), d.now())
				d.logger.Info("[%s] generating -> awaiting_deletion_approval: %s", cr.ID, reason)
				return true, d.save(ctx, cr)
			}
			return false, d.applyFix(ctx, cr, dir, scope)
		default:
			return false, resilience.Permanent(fmt.Errorf("unknown generation phase %q", cr.Phase))
		}
	}
}

func (d *Driver) openIssue(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster) error {
	if err := d.save(ctx, cr); err != nil {
		return err
	}
	labels := append([]string{string(cl.Category)}, d.cfg.IssueLabels...)
	issue, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolForge, Op: "create_issue"},
		func(ctx context.Context) (capability.Issue, error) {
			return d.deps.Forge.CreateIssue(ctx, cr.Title, issueBody(cl), labels)
		})
	if err != nil {
		return err
	}
	cr.IssueNumber = issue.Number
	cr.IssueURL = issue.URL
	cr.Branch = BranchName(issue.Number, cr.Title, d.cfg.SlugLength)
	d.logger.Info("[%s] opened issue #%d, branch %s", cr.ID, issue.Number, cr.Branch)
	return d.save(ctx, cr)
}

func issueBody(cl *feedback.Cluster) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", cl.Theme)
	fmt.Fprintf(&b, "- Category: %s\n- Average severity: %.1f\n- Reports: %d\n- Cluster: %s\n",
		cl.Category, cl.AverageSeverity, cl.Size(), cl.ID)
	if len(cl.Scope) > 0 {
		fmt.Fprintf(&b, "- Scope: %s\n", strings.Join(cl.Scope, ", "))
	}
	return b.String()
}

// prepare makes sure the remote branch and the local checkout exist.
func (d *Driver) prepare(ctx context.Context, cr *ChangeRequest) (string, error) {
	err := d.deps.Gateway.Do(ctx, gateway.Request{Tool: gateway.ToolForge, Op: "create_branch"},
		func(ctx context.Context) error { return d.deps.Forge.CreateBranch(ctx, cr.Branch, d.cfg.BaseBranch) })
	if err != nil {
		return "", err
	}
	return gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolWorkspace, Op: "prepare"},
		func(ctx context.Context) (string, error) { return d.deps.Workspace.Prepare(ctx, cr.ID, cr.Branch) })
}

// scopeFor resolves the cluster's approved directories inside the checkout.
func scopeFor(dir string, cl *feedback.Cluster) []string {
	if len(cl.Scope) == 0 {
		return []string{dir}
	}
	out := make([]string, 0, len(cl.Scope))
	for _, s := range cl.Scope {
		out = append(out, fsys.Resolve(dir, s))
	}
	return out
}

func (d *Driver) request(cr *ChangeRequest, cl *feedback.Cluster) capability.GenerationRequest {
	return capability.GenerationRequest{
		ChangeRequestID: cr.ID,
		IssueNumber:     cr.IssueNumber,
		IssueTitle:      cr.Title,
		Summary:         issueBody(cl),
		Category:        cl.Category,
		Scope:           cl.Scope,
	}
}

func (d *Driver) generateTests(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster, dir string, scope []string) error {
	req := d.request(cr, cl)
	files, err := d.readContext(ctx, dir, scope)
	if err != nil {
		return err
	}
	req.Context = files

	gen, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolGenerator, Op: "generate_tests"},
		func(ctx context.Context) (capability.Generation, error) { return d.deps.Generator.GenerateTests(ctx, req) })
	if err != nil {
		return err
	}
	if len(gen.Changes) == 0 {
		return resilience.Permanent(errors.New("no tests were generated"))
	}
	deleted, err := d.countDeletions(ctx, dir, gen.Changes)
	if err != nil {
		return err
	}
	if err := d.apply(ctx, dir, scope, gen.Changes); err != nil {
		return err
	}
	cr.Tests = gen.Changes
	cr.TestCases = gen.TestCases
	cr.DeletedLines += deleted
	cr.Phase = PhaseTestsApplied
	d.logger.Info("[%s] applied %d generated test file(s)", cr.ID, len(gen.Changes))
	return d.save(ctx, cr)
}

// confirmFailing runs the test stage; the freshly generated tests must fail.
func (d *Driver) confirmFailing(ctx context.Context, cr *ChangeRequest, dir string) error {
	res, err := d.deps.Validator.RunStage(ctx, validation.Request{ChangeRequestID: cr.ID, Dir: dir}, validation.StageTest)
	if err != nil {
		return err
	}
	if res.Passed() {
		return resilience.Validation(errors.New("generated tests pass before the fix, so they do not reproduce the issue"))
	}
	cr.FailureOutput = tail(strings.Join(res.Errors, "\n")+"\n"+res.Output, 8<<10)
	cr.Phase = PhaseTestsConfirmed
	d.logger.Info("[%s] generated tests confirmed failing (%d failures)", cr.ID, res.Counts.TestsFailed)
	return d.save(ctx, cr)
}

func (d *Driver) generateFix(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster, dir string, scope []string) error {
	req := d.request(cr, cl)
	req.Tests = cr.Tests
	req.FailureOutput = cr.FailureOutput
	files, err := d.readContext(ctx, dir, scope)
	if err != nil {
		return err
	}
	req.Context = files

	gen, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolGenerator, Op: "implement_fix"},
		func(ctx context.Context) (capability.Generation, error) { return d.deps.Generator.ImplementFix(ctx, req) })
	if err != nil {
		return err
	}
	if len(gen.Changes) == 0 {
		return resilience.Permanent(errors.New("no implementation was generated"))
	}
	for _, ch := range gen.Changes {
		for _, t := range cr.Tests {
			if filepath.Clean(ch.Path) == filepath.Clean(t.Path) {
				return resilience.Validation(fmt.Errorf("implementation modifies generated test %s", ch.Path))
			}
		}
	}
	deleted, err := d.countDeletions(ctx, dir, gen.Changes)
	if err != nil {
		return err
	}
	cr.Fix = gen.Changes
	cr.Reasoning = gen.Reasoning
	cr.ImpactAnalysis = gen.ImpactAnalysis
	cr.DeletedLines += deleted
	cr.Phase = PhaseFixGenerated
	return d.save(ctx, cr)
}

func (d *Driver) awaitDeletion(ctx context.Context, cr *ChangeRequest, cl *feedback.Cluster) (bool, error) {
	if !cr.DeletionApproved {
		if !cr.IsAwaiting(AwaitDeletionApproval) {
			cr.Await(AwaitDeletionApproval, d.deps.Tokens(), d.now())
			return true, d.save(ctx, cr)
		}
		return true, nil
	}
	dir, err := d.prepare(ctx, cr)
	if err != nil {
		return false, err
	}
	return false, d.applyFix(ctx, cr, dir, scopeFor(dir, cl))
}

func (d *Driver) applyFix(ctx context.Context, cr *ChangeRequest, dir string, scope []string) error {
	if err := d.apply(ctx, dir, scope, cr.Fix); err != nil {
		return err
	}
	return d.transition(ctx, cr, StateValidating, fmt.Sprintf("applied %d file change(s)", len(cr.Fix)))
}

// apply writes a change set as one guarded, all-or-nothing filesystem call.
func (d *Driver) apply(ctx context.Context, dir string, scope []string, changes []capability.FileChange) error {
	req := gateway.Request{Tool: gateway.ToolFilesystem, Op: "apply", Scope: scope, Writes: make(map[string]string)}
	for _, ch := range changes {
		path := fsys.Resolve(dir, ch.Path)
		if ch.Delete {
			req.Paths = append(req.Paths, path)
		} else {
			req.Writes[path] = ch.Content
		}
	}
	return d.deps.Gateway.Do(ctx, req, func(ctx context.Context) error {
		return fsys.ApplyBatch(ctx, d.deps.Files, dir, changes)
	})
}

func (d *Driver) countDeletions(ctx context.Context, dir string, changes []capability.FileChange) (int, error) {
	paths := make([]string, 0, len(changes))
	abs := make([]string, 0, len(changes))
	for _, ch := range changes {
		paths = append(paths, ch.Path)
		abs = append(abs, fsys.Resolve(dir, ch.Path))
	}
	originals, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolFilesystem, Op: "read", Paths: abs},
		func(ctx context.Context) (map[string]string, error) {
			return fsys.ReadOriginals(ctx, d.deps.Files, dir, paths)
		})
	if err != nil {
		return 0, err
	}
	// A reported count may only raise the computed one.
	total := 0
	for i := range changes {
		ch := changes[i]
		total += max(ch.DeletedLines, CountDeletedLines([]capability.FileChange{ch}, originals))
	}
	return total, nil
}

var contextExtensions = []string{".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".rb", ".rs", ".c", ".h", ".md", ".yaml", ".yml", ".json", ".toml"}

// readContext collects source files under scope as generation context, in one guarded call.
func (d *Driver) readContext(ctx context.Context, dir string, scope []string) ([]capability.SourceFile, error) {
	return gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolFilesystem, Op: "read_context", Paths: scope},
		func(ctx context.Context) ([]capability.SourceFile, error) {
			var out []capability.SourceFile
			for _, root := range scope {
				names, err := d.deps.Files.List(ctx, root)
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if err != nil {
					return nil, err
				}
				sort.Strings(names)
				for _, name := range names {
					if len(out) >= d.cfg.MaxContextFiles {
						return out, nil
					}
					if !hasExt(name, contextExtensions) {
						continue
					}
					full := filepath.Join(root, name)
					data, err := d.deps.Files.Read(ctx, full)
					if err != nil || len(data) > d.cfg.MaxContextBytes {
						continue
					}
					rel, err := filepath.Rel(dir, full)
					if err != nil {
						rel = name
					}
					out = append(out, capability.SourceFile{Path: rel, Content: string(data)})
				}
			}
			return out, nil
		})
}

func hasExt(name string, exts []string) bool {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func (d *Driver) validate(ctx context.Context, cr *ChangeRequest) error {
	dir, err := d.prepare(ctx, cr)
	if err != nil {
		return err
	}
	report, err := d.deps.Validator.Validate(ctx, validation.Request{ChangeRequestID: cr.ID, Dir: dir})
	if err != nil {
		return err
	}
	cr.Report = report
	if !report.Passed {
		return report.Err()
	}
	return d.transition(ctx, cr, StatePendingReview, "validation passed")
}

// review publishes the branch, links a pull request and suspends for the reviewer.
func (d *Driver) review(ctx context.Context, cr *ChangeRequest) (bool, error) {
	if cr.PRNumber == 0 {
		if err := d.save(ctx, cr); err != nil {
			return false, err
		}
		err := d.deps.Gateway.Do(ctx, gateway.Request{Tool: gateway.ToolWorkspace, Op: "publish"},
			func(ctx context.Context) error {
				return d.deps.Workspace.Publish(ctx, cr.ID, cr.Branch, fmt.Sprintf("%s\n\nRefs #%d", cr.Title, cr.IssueNumber))
			})
		if err != nil {
			return false, err
		}
		pr, err := d.openPullRequest(ctx, cr)
		if err != nil {
			return false, err
		}
		cr.PRNumber = pr.Number
		cr.PRURL = pr.URL
		d.logger.Info("[%s] pull request #%d opened for issue #%d", cr.ID, pr.Number, cr.IssueNumber)
		if err := d.save(ctx, cr); err != nil {
			return false, err
		}
	}
	if !cr.IsAwaiting(AwaitReview) {
		cr.Await(AwaitReview, d.deps.Tokens(), d.now())
		if err := d.save(ctx, cr); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *Driver) openPullRequest(ctx context.Context, cr *ChangeRequest) (capability.PullRequest, error) {
	existing, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolForge, Op: "find_pull_request"},
		func(ctx context.Context) (*capability.PullRequest, error) { return d.deps.Forge.FindPullRequest(ctx, cr.Branch) })
	if err != nil {
		return capability.PullRequest{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	opts := capability.PullRequestOptions{
		Title:       cr.Title,
		Body:        pullRequestBody(cr),
		Head:        cr.Branch,
		Base:        d.cfg.BaseBranch,
		IssueNumber: cr.IssueNumber,
	}
	return gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolForge, Op: "create_pull_request"},
		func(ctx context.Context) (capability.PullRequest, error) { return d.deps.Forge.CreatePullRequest(ctx, opts) })
}

func pullRequestBody(cr *ChangeRequest) string {
	var b strings.Builder
	if cr.Reasoning != "" {
		fmt.Fprintf(&b, "## Reasoning\n\n%s\n\n", cr.Reasoning)
	}
	if cr.ImpactAnalysis != "" {
		fmt.Fprintf(&b, "## Impact\n\n%s\n\n", cr.ImpactAnalysis)
	}
	if len(cr.TestCases) > 0 {
		b.WriteString("## Tests\n\n")
		for _, tc := range cr.TestCases {
			fmt.Fprintf(&b, "- %s\n", tc)
		}
		b.WriteString("\n")
	}
	if cr.Report != nil {
		b.WriteString("## Validation\n\n")
		for _, s := range cr.Report.Stages {
			fmt.Fprintf(&b, "- %s: %s\n", s.Stage, s.Status)
		}
	}
	return b.String()
}

// merge merges the pull request. Every attempt asks the forge first, so a merge that succeeded
// but whose response was lost is never repeated.
func (d *Driver) merge(ctx context.Context, cr *ChangeRequest) error {
	if err := d.save(ctx, cr); err != nil {
		return err
	}
	err := d.deps.Gateway.Do(ctx, gateway.Request{Tool: gateway.ToolForge, Op: "merge"}, func(ctx context.Context) error {
		merged, err := d.deps.Forge.IsMerged(ctx, cr.PRNumber)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}
		mergeErr := d.deps.Forge.MergePullRequest(ctx, cr.PRNumber, fmt.Sprintf("%s (#%d)", cr.Title, cr.PRNumber))
		if mergeErr == nil {
			return nil
		}
		if merged, err := d.deps.Forge.IsMerged(ctx, cr.PRNumber); err == nil && merged {
			return nil
		}
		return mergeErr
	})
	if err != nil {
		return err
	}
	return d.transition(ctx, cr, StateMerged, fmt.Sprintf(MergedReasonFormat, cr.PRNumber))
}

func checkToken(cr *ChangeRequest, token string) error {
	if token != "" && cr.Awaiting != nil && cr.Awaiting.Token != token {
		return ErrTokenMismatch
	}
	return nil
}

// DecideDeletion records the human decision on a large deletion. Approval lets the next Run
// apply the change set; denial halts the request.
func (d *Driver) DecideDeletion(ctx context.Context, cr *ChangeRequest, approve bool, token, reason string) error {
	if cr.State != StateAwaitingDeletionApproval {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaiting, cr.ID, cr.State)
	}
	if err := checkToken(cr, token); err != nil {
		return err
	}
	if approve {
		cr.DeletionApproved = true
		cr.UpdatedAt = d.now()
		d.logger.Info("[%s] deletion of %d lines approved", cr.ID, cr.DeletedLines)
		return d.save(ctx, cr)
	}
	if reason == "" {
		reason = "deletion denied"
	}
	if err := cr.Halt("deletion_denied", reason, d.now()); err != nil {
		return err
	}
	d.logger.Info("[%s] awaiting_deletion_approval -> halted: %s", cr.ID, reason)
	return d.save(ctx, cr)
}

// Review records the reviewer decision on the pull request.
func (d *Driver) Review(ctx context.Context, cr *ChangeRequest, approve bool, token, reviewer, notes string) error {
	if cr.State != StatePendingReview || !cr.IsAwaiting(AwaitReview) {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaiting, cr.ID, cr.State)
	}
	if err := checkToken(cr, token); err != nil {
		return err
	}
	cr.ReviewerID = reviewer
	cr.ReviewerNotes = notes
	next := StateApproved
	if !approve {
		next = StateRejected
	}
	return d.transition(ctx, cr, next, "review by "+reviewer)
}

// Cancel halts cr from any non-terminal state and releases its workspace.
func (d *Driver) Cancel(ctx context.Context, cr *ChangeRequest, reason string) error {
	if cr.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, cr.ID, cr.State)
	}
	if reason == "" {
		reason = "cancelled"
	}
	from := cr.State
	if err := cr.Halt("cancelled", reason, d.now()); err != nil {
		return err
	}
	d.logger.Info("[%s] %s -> halted: %s", cr.ID, from, reason)
	if err := d.save(ctx, cr); err != nil {
		return err
	}
	d.release(ctx, cr)
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
