package apply

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/audit"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/metrics"
	"github.com/fbettag/unifi-optimizer/internal/plan"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of one change attempt, reported in deterministic
// order regardless of which device finished first.
type Result struct {
	ChangeID       string     `json:"change_id"`
	DeviceMac      string     `json:"device_mac"`
	Setting        string     `json:"setting"`
	PreviousValue  string     `json:"previous_value"`
	NewValue       string     `json:"new_value"`
	State          plan.State `json:"state"`
	Success        bool       `json:"success"`
	DryRun         bool       `json:"dry_run"`
	Error          string     `json:"error,omitempty"`
	VerifyManually bool       `json:"verify_manually,omitempty"`
}

// Options tune one apply invocation.
type Options struct {
	DryRun    bool
	AppliedBy string
}

// Applier executes change plans against the controller and owns the audit
// boundary: a change only counts as applied once its audit record is
// durable.
type Applier struct {
	client unifi.Controller
	store  *audit.Store
	cfg    config.ApplyConfig
	logger *logrus.Logger
	m      *metrics.Metrics
}

// NewApplier creates an applier. Metrics may be nil in tests.
func NewApplier(client unifi.Controller, store *audit.Store, cfg config.ApplyConfig, logger *logrus.Logger, m *metrics.Metrics) *Applier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffMS <= 0 {
		cfg.RetryBackoffMS = 500
	}
	return &Applier{client: client, store: store, cfg: cfg, logger: logger, m: m}
}

// Apply executes the plans. Mutations on one device run strictly
// sequentially in the fixed field order; independent devices run
// concurrently. Failures are scoped to their own change record and never
// abort sibling changes on other devices; a permission failure aborts the
// remaining queue of its own device since later writes cannot succeed
// either. Results come back sorted by (device, field order).
func (a *Applier) Apply(ctx context.Context, plans []plan.ChangePlan, opts Options) []Result {
	if opts.AppliedBy == "" {
		opts.AppliedBy = "admin"
	}

	byDevice := make(map[string][]plan.ChangePlan)
	for _, p := range plans {
		byDevice[p.DeviceMac] = append(byDevice[p.DeviceMac], p)
	}

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)

	for mac, devicePlans := range byDevice {
		sorted := append([]plan.ChangePlan(nil), devicePlans...)
		plan.SortPlans(sorted)

		wg.Add(1)
		go func(mac string, queue []plan.ChangePlan) {
			defer wg.Done()
			deviceResults := a.applyDevice(ctx, queue, opts)
			mu.Lock()
			results = append(results, deviceResults...)
			mu.Unlock()
		}(mac, sorted)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].DeviceMac != results[j].DeviceMac {
			return results[i].DeviceMac < results[j].DeviceMac
		}
		return plan.OrderIndex(results[i].Setting) < plan.OrderIndex(results[j].Setting)
	})
	return results
}

func (a *Applier) applyDevice(ctx context.Context, queue []plan.ChangePlan, opts Options) []Result {
	var results []Result
	aborted := false
	abortReason := ""

	for _, p := range queue {
		if aborted {
			results = append(results, a.failResult(p, opts, abortReason))
			continue
		}
		// Cancellation is honored between mutations only; a mutation in
		// flight always completes and is recorded first.
		if err := ctx.Err(); err != nil {
			results = append(results, a.failResult(p, opts, "cancelled before apply"))
			continue
		}

		res, abort := a.applyOne(ctx, p, opts)
		results = append(results, res)

		if abort {
			aborted = true
			abortReason = "aborted: " + res.Error
		}
	}
	return results
}

func (a *Applier) failResult(p plan.ChangePlan, opts Options, reason string) Result {
	res := Result{
		ChangeID:      p.ChangeID,
		DeviceMac:     p.DeviceMac,
		Setting:       p.Setting,
		PreviousValue: p.CurrentValue,
		NewValue:      p.ProposedValue,
		State:         plan.StateFailed,
		Error:         reason,
	}
	a.record(res, p, opts)
	return res
}

// applyOne drives a single plan through Applying -> {Applied, Failed},
// writing the audit record before success is reported. The second return
// value tells the caller to abort the rest of the device's queue; only a
// permission failure triggers it, since later writes cannot fare better.
func (a *Applier) applyOne(ctx context.Context, p plan.ChangePlan, opts Options) (Result, bool) {
	res := Result{
		ChangeID:      p.ChangeID,
		DeviceMac:     p.DeviceMac,
		Setting:       p.Setting,
		PreviousValue: p.CurrentValue,
		NewValue:      p.ProposedValue,
		DryRun:        opts.DryRun,
	}

	if !p.State.CanTransition(plan.StateApplying) {
		res.State = plan.StateFailed
		res.Error = fmt.Sprintf("illegal state transition from %s", p.State)
		return res, false
	}

	if opts.DryRun {
		// The full pipeline runs; only the mutating call is skipped.
		res.State = plan.StateApplied
		res.Success = true
		if err := a.record(res, p, opts); err != nil {
			res.Success = false
			res.State = plan.StateFailed
			res.Error = "audit write failed: " + err.Error()
		}
		a.count(res)
		return res, false
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		// The write itself must not be interrupted mid-flight; it runs on a
		// detached context and the outer ctx is only consulted between
		// attempts.
		writeCtx := context.WithoutCancel(ctx)
		err := a.client.SetDeviceField(writeCtx, p.DeviceMac, p.Setting, p.ProposedValue)

		if err == nil {
			return a.finishSuccess(res, p, opts), false
		}

		switch {
		case unifi.IsAmbiguousWrite(err):
			landed, verr := a.verifyLanded(writeCtx, p)
			if verr != nil {
				res.State = plan.StateFailed
				res.Error = "write timed out and read-back failed, verify manually: " + verr.Error()
				res.VerifyManually = true
				a.record(res, p, opts)
				a.count(res)
				return res, false
			}
			if landed {
				a.logger.Warnf("Write to %s %s timed out but landed, confirmed by read-back", p.DeviceMac, p.Setting)
				return a.finishSuccess(res, p, opts), false
			}
			lastErr = err // write did not land, retry as transient
		case unifi.IsPermission(err):
			res.State = plan.StateFailed
			res.Error = err.Error()
			a.record(res, p, opts)
			a.count(res)
			return res, true
		case unifi.IsRateLimited(err):
			a.logger.Warnf("Controller rate limit on %s %s, backing off %ds", p.DeviceMac, p.Setting, a.cfg.RateLimitWaitSec)
			lastErr = err
			if !sleepCtx(ctx, time.Duration(a.cfg.RateLimitWaitSec)*time.Second) {
				attempt = a.cfg.MaxAttempts // cancelled during backoff
			}
		case unifi.IsTransient(err):
			lastErr = err
			backoff := time.Duration(a.cfg.RetryBackoffMS) * time.Millisecond << (attempt - 1)
			a.logger.Debugf("Transient failure applying %s on %s (attempt %d/%d): %v", p.Setting, p.DeviceMac, attempt, a.cfg.MaxAttempts, err)
			sleepCtx(ctx, backoff)
		default:
			res.State = plan.StateFailed
			res.Error = err.Error()
			a.record(res, p, opts)
			a.count(res)
			return res, false
		}
	}

	res.State = plan.StateFailed
	if lastErr != nil {
		res.Error = fmt.Sprintf("gave up after %d attempts: %v", a.cfg.MaxAttempts, lastErr)
	} else {
		res.Error = fmt.Sprintf("gave up after %d attempts", a.cfg.MaxAttempts)
	}
	a.record(res, p, opts)
	a.count(res)
	return res, false
}

// finishSuccess writes the audit record and only then reports success.
// If the record cannot be persisted the change is reported as failed even
// though the remote write succeeded: an unaudited side effect is worse than
// no effect.
func (a *Applier) finishSuccess(res Result, p plan.ChangePlan, opts Options) Result {
	res.State = plan.StateApplied
	res.Success = true
	if err := a.record(res, p, opts); err != nil {
		a.logger.Errorf("Change %s applied remotely but audit write failed: %v", p.ChangeID, err)
		res.Success = false
		res.State = plan.StateFailed
		res.Error = "applied remotely but audit record could not be written: " + err.Error()
	}
	a.count(res)
	return res
}

func (a *Applier) record(res Result, p plan.ChangePlan, opts Options) error {
	if a.store == nil {
		return nil
	}
	return a.store.Append(&audit.ChangeRecord{
		ChangeID:      p.ChangeID,
		FindingID:     p.FindingID,
		DeviceMac:     p.DeviceMac,
		Setting:       p.Setting,
		PreviousValue: p.CurrentValue,
		NewValue:      p.ProposedValue,
		AppliedAt:     time.Now().UTC(),
		AppliedBy:     opts.AppliedBy,
		Success:       res.Success,
		DryRun:        res.DryRun,
		Revertible:    p.Revertible,
		Error:         res.Error,
	})
}

func (a *Applier) count(res Result) {
	if a.m == nil {
		return
	}
	switch {
	case res.DryRun:
		a.m.ChangesTotal.WithLabelValues("dry_run").Inc()
	case res.Success:
		a.m.ChangesTotal.WithLabelValues("applied").Inc()
	default:
		a.m.ChangesTotal.WithLabelValues("failed").Inc()
	}
}

// verifyLanded re-reads the device config after an ambiguous write timeout.
func (a *Applier) verifyLanded(ctx context.Context, p plan.ChangePlan) (bool, error) {
	cfg, err := a.client.GetDeviceConfig(ctx, p.DeviceMac)
	if err != nil {
		return false, err
	}
	return cfg.Fields[p.Setting] == p.ProposedValue, nil
}

// Revert issues the inverse write for a previously applied, revertible
// change. It appends a new audit record rather than mutating the original.
func (a *Applier) Revert(ctx context.Context, changeID string, opts Options) (Result, error) {
	rec, err := a.store.Get(changeID)
	if err != nil {
		return Result{}, fmt.Errorf("revert: lookup %s: %w", changeID, err)
	}
	if !rec.Success {
		return Result{}, fmt.Errorf("revert: change %s was never applied", changeID)
	}
	if rec.DryRun {
		return Result{}, fmt.Errorf("revert: change %s was a dry run", changeID)
	}
	if !rec.Revertible {
		return Result{}, fmt.Errorf("revert: change %s is not revertible", changeID)
	}
	if rec.RevertedAt != nil {
		return Result{}, fmt.Errorf("revert: change %s already reverted at %s", changeID, rec.RevertedAt.Format(time.RFC3339))
	}

	inverse := plan.ChangePlan{
		ChangeID:      changeID,
		FindingID:     rec.FindingID,
		DeviceMac:     rec.DeviceMac,
		Setting:       rec.Setting,
		CurrentValue:  rec.NewValue,
		ProposedValue: rec.PreviousValue,
		Revertible:    false, // a revert of a revert is just a re-apply
		State:         plan.StatePreviewed,
	}

	res := a.applyOneRevert(ctx, inverse, rec, opts)
	return res, nil
}

func (a *Applier) applyOneRevert(ctx context.Context, inverse plan.ChangePlan, original audit.ChangeRecord, opts Options) Result {
	if opts.AppliedBy == "" {
		opts.AppliedBy = "admin"
	}

	res := Result{
		ChangeID:      inverse.ChangeID,
		DeviceMac:     inverse.DeviceMac,
		Setting:       inverse.Setting,
		PreviousValue: inverse.CurrentValue,
		NewValue:      inverse.ProposedValue,
	}

	writeCtx := context.WithoutCancel(ctx)
	err := a.client.SetDeviceField(writeCtx, inverse.DeviceMac, inverse.Setting, inverse.ProposedValue)
	if err != nil {
		if unifi.IsAmbiguousWrite(err) {
			landed, verr := a.verifyLanded(writeCtx, inverse)
			if verr == nil && landed {
				err = nil
			}
		}
	}
	if err != nil {
		res.State = plan.StateFailed
		res.Error = err.Error()
		_ = a.appendRevertRecord(inverse, original, res, opts)
		return res
	}

	res.State = plan.StateReverted
	res.Success = true
	if aerr := a.appendRevertRecord(inverse, original, res, opts); aerr != nil {
		res.Success = false
		res.State = plan.StateFailed
		res.Error = "reverted remotely but audit record could not be written: " + aerr.Error()
		return res
	}
	if err := a.store.MarkReverted(original.ChangeID, time.Now().UTC()); err != nil {
		a.logger.Errorf("Failed to mark change %s reverted: %v", original.ChangeID, err)
	}
	if a.m != nil {
		a.m.ChangesTotal.WithLabelValues("reverted").Inc()
	}
	return res
}

func (a *Applier) appendRevertRecord(inverse plan.ChangePlan, original audit.ChangeRecord, res Result, opts Options) error {
	return a.store.Append(&audit.ChangeRecord{
		ChangeID:      inverse.ChangeID,
		FindingID:     original.FindingID,
		DeviceMac:     inverse.DeviceMac,
		Setting:       inverse.Setting,
		PreviousValue: inverse.CurrentValue,
		NewValue:      inverse.ProposedValue,
		AppliedAt:     time.Now().UTC(),
		AppliedBy:     opts.AppliedBy,
		Success:       res.Success,
		Revertible:    false,
		RevertOf:      original.ChangeID,
		Error:         res.Error,
	})
}

// sleepCtx sleeps unless the context is cancelled first; returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
