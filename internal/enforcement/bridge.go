// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/validation"
	"github.com/tomtom215/marzguard/internal/violationlog"
)

// Options configures the Bridge.
type Options struct {
	// DefaultDuration applies when a request omits duration.
	DefaultDuration time.Duration

	// AllowIndefinite lets an explicit duration of 0 mean "no expiry".
	// When false, 0 falls back to DefaultDuration.
	AllowIndefinite bool

	DisableUsers bool
	BlockIPs     bool

	Clock func() time.Time
}

// OptionsFromConfig maps the enforcement section.
func OptionsFromConfig(cfg config.EnforcementConfig) Options {
	return Options{
		DefaultDuration: time.Duration(cfg.DefaultDurationSeconds) * time.Second,
		AllowIndefinite: cfg.AllowIndefinite,
		DisableUsers:    cfg.DisableUsers,
		BlockIPs:        cfg.BlockIPs,
	}
}

// Deps are the collaborators of the Bridge. Everything but Blocker may be
// nil.
type Deps struct {
	Users       UserStore
	Blocker     IPBlocker
	Suspensions SuspensionStore
	Tracker     Disconnector
	Log         violationlog.Sink
	Releases    ReleaseRecorder
}

// Bridge applies ban and unban requests against the panel and the
// blocklist.
//
// Every change to one user's panel status and suspension record runs
// under that user's lock, so a ban and the reaper releasing an older
// suspension of the same user never interleave.
type Bridge struct {
	opts  Options
	deps  Deps
	locks userLocks
}

// NewBridge creates a bridge.
func NewBridge(opts Options, deps Deps) *Bridge {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = models.DefaultBanDurationSeconds * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Bridge{opts: opts, deps: deps}
}

// userLockStripes is the number of user lock stripes.
const userLockStripes = 64

// userLocks serializes work per username with a fixed set of stripes.
type userLocks [userLockStripes]sync.Mutex

func (l *userLocks) lock(username string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	mu := &l[h.Sum32()%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

// ResolveDuration returns the effective ban length for a request. An
// indefinite ban returns (0, true).
func (b *Bridge) ResolveDuration(seconds *int) (time.Duration, bool) {
	switch {
	case seconds == nil:
		return b.opts.DefaultDuration, false
	case *seconds == 0 && b.opts.AllowIndefinite:
		return 0, true
	case *seconds <= 0:
		return b.opts.DefaultDuration, false
	default:
		return time.Duration(*seconds) * time.Second, false
	}
}

// Normalize fills ID and RequestedAt and maps the "-" username to none.
func Normalize(req models.BanRequest, now time.Time) models.BanRequest {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now.UTC()
	}
	if !req.HasUser() {
		req.Username = ""
	}
	return req
}

// Apply executes one request. It is safe to call again with the same
// request: every step overwrites state rather than accumulating it.
func (b *Bridge) Apply(ctx context.Context, req models.BanRequest) (*models.BanResult, error) {
	req = Normalize(req, b.opts.Clock())
	if verr := validation.ValidateStruct(req); verr != nil {
		return nil, verr
	}

	res := &models.BanResult{
		RequestID: req.ID,
		Action:    req.Action,
		IPAddress: req.IPAddress,
		Username:  req.Username,
	}

	var err error
	switch req.Action {
	case models.BanActionBan:
		err = b.ban(ctx, req, res)
	case models.BanActionUnban:
		err = b.unban(ctx, req, res)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		return res, err
	}
	res.AppliedAt = b.opts.Clock().UTC()
	return res, nil
}

func (b *Bridge) ban(ctx context.Context, req models.BanRequest, res *models.BanResult) error {
	d, indefinite := b.ResolveDuration(req.DurationSeconds)
	res.Indefinite = indefinite
	var expires *time.Time
	if !indefinite {
		t := req.RequestedAt.Add(d).UTC()
		expires = &t
	}
	res.ExpiresAt = expires

	// User half first: a panel error aborts the ban before the ip is touched
	if req.HasUser() && b.opts.DisableUsers && b.deps.Users != nil {
		unlock := b.locks.lock(req.Username)
		suspended, err := b.suspend(ctx, req, expires)
		unlock()
		if err != nil {
			return err
		}
		res.UserSuspended = suspended
		if suspended && b.deps.Tracker != nil {
			res.Disconnected = b.deps.Tracker.ForceDisconnect(req.Username, "suspended: "+req.Reason)
		}
	}

	if b.opts.BlockIPs && b.deps.Blocker != nil {
		if err := b.deps.Blocker.Block(ctx, req.IPAddress, expires, req.Reason); err != nil {
			return fmt.Errorf("block ip: %w", err)
		}
		res.IPBlocked = true
	}

	if !res.UserSuspended && !res.IPBlocked {
		logging.Warn().
			Str("request_id", req.ID).
			Str("ip", req.IPAddress).
			Str("username", req.Username).
			Bool("disable_users", b.opts.DisableUsers).
			Bool("block_ips", b.opts.BlockIPs).
			Msg("ban had no effect")
		return ErrNothingApplied
	}

	if res.UserSuspended && b.deps.Log != nil {
		ev := models.NewViolationEvent(b.opts.Clock(), models.ViolationUserSuspended,
			req.Username, req.IPAddress, models.ActionSuspended,
			map[string]interface{}{"reason": req.Reason})
		if err := b.deps.Log.Write(ctx, ev); err != nil {
			logging.Warn().Err(err).Str("username", req.Username).Msg("failed to log user suspension")
		}
	}

	logging.Info().
		Str("request_id", req.ID).
		Str("ip", req.IPAddress).
		Str("username", req.Username).
		Bool("user_suspended", res.UserSuspended).
		Bool("ip_blocked", res.IPBlocked).
		Bool("indefinite", indefinite).
		Msg("ban applied")
	return nil
}

// suspend disables the user and records the suspension. An unknown user is
// skipped so the ip half of the ban still applies. The caller holds the
// user's lock.
func (b *Bridge) suspend(ctx context.Context, req models.BanRequest, expires *time.Time) (bool, error) {
	user, err := b.deps.Users.GetUser(ctx, req.Username)
	if errors.Is(err, ErrUserNotFound) {
		logging.Warn().Str("username", req.Username).Msg("ban for unknown marzban user, blocking ip only")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}

	// Keep the status from before the first ban of a still-running suspension
	prior := user.Status
	if b.deps.Suspensions != nil {
		existing, ok, err := b.deps.Suspensions.GetSuspension(ctx, req.Username)
		if err != nil {
			return false, fmt.Errorf("read suspension: %w", err)
		}
		if ok {
			prior = existing.PriorStatus
		}
	}

	if user.Status != UserStatusDisabled {
		if err := b.deps.Users.SetUserStatus(ctx, req.Username, UserStatusDisabled); err != nil {
			return false, fmt.Errorf("disable user: %w", err)
		}
	}

	if b.deps.Suspensions != nil {
		susp := Suspension{
			Username:    req.Username,
			IPAddress:   req.IPAddress,
			Reason:      req.Reason,
			PriorStatus: prior,
			SuspendedAt: req.RequestedAt,
			ExpiresAt:   expires,
		}
		if err := b.deps.Suspensions.PutSuspension(ctx, susp); err != nil {
			return false, fmt.Errorf("record suspension: %w", err)
		}
	}
	return true, nil
}

func (b *Bridge) unban(ctx context.Context, req models.BanRequest, res *models.BanResult) error {
	if req.HasUser() && b.opts.DisableUsers && b.deps.Users != nil {
		unlock := b.locks.lock(req.Username)
		restored, err := b.lift(ctx, req.Username)
		unlock()
		if err != nil {
			return err
		}
		res.UserRestored = restored
	}

	if b.opts.BlockIPs && b.deps.Blocker != nil {
		if err := b.deps.Blocker.Unblock(ctx, req.IPAddress); err != nil {
			return fmt.Errorf("unblock ip: %w", err)
		}
		res.IPUnblocked = true
	}

	logging.Info().
		Str("request_id", req.ID).
		Str("ip", req.IPAddress).
		Str("username", req.Username).
		Bool("user_restored", res.UserRestored).
		Bool("ip_unblocked", res.IPUnblocked).
		Msg("unban applied")
	return nil
}

// lift ends the user's suspension on an explicit unban. The caller holds
// the user's lock.
func (b *Bridge) lift(ctx context.Context, username string) (bool, error) {
	target := UserStatusActive
	if b.deps.Suspensions != nil {
		susp, ok, err := b.deps.Suspensions.GetSuspension(ctx, username)
		if err != nil {
			return false, fmt.Errorf("read suspension: %w", err)
		}
		if ok {
			target = susp.RestoreStatus()
		}
	}

	restored, err := b.setRestored(ctx, username, target)
	if err != nil {
		return false, err
	}
	if b.deps.Suspensions != nil {
		if err := b.deps.Suspensions.DeleteSuspension(ctx, username); err != nil {
			return false, fmt.Errorf("delete suspension: %w", err)
		}
	}
	return restored, nil
}

// setRestored moves a disabled user to target. It reports whether the user
// is active afterwards. An unknown user is not an error.
func (b *Bridge) setRestored(ctx context.Context, username, target string) (bool, error) {
	user, err := b.deps.Users.GetUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		logging.Warn().Str("username", username).Msg("unban for unknown marzban user")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}

	if target == UserStatusDisabled {
		logging.Info().Str("username", username).Msg("user was disabled before the ban, leaving disabled")
		return false, nil
	}
	if user.Status == UserStatusDisabled {
		if err := b.deps.Users.SetUserStatus(ctx, username, UserStatusActive); err != nil {
			return false, fmt.Errorf("activate user: %w", err)
		}
	}
	return true, nil
}

// ReleaseExpired lifts suspensions whose expiry has passed and returns how
// many were released.
//
// The scan result is only a candidate list. Each candidate is claimed with
// ReleaseSuspension under the user's lock, which fails when a newer ban
// replaced the record after the scan; that user is left suspended. If the
// panel call fails after the claim, the record is written back so the next
// pass retries it.
func (b *Bridge) ReleaseExpired(ctx context.Context) (int, error) {
	if b.deps.Suspensions == nil || b.deps.Users == nil {
		return 0, nil
	}
	now := b.opts.Clock()
	expired, err := b.deps.Suspensions.ExpiredSuspensions(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	var errs []error
	for _, s := range expired {
		ok, err := b.release(ctx, s, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Username, err))
			continue
		}
		if !ok {
			continue
		}
		released++
		if b.deps.Releases != nil {
			b.deps.Releases.RecordRelease(s.Username)
		}
		logging.Info().
			Str("username", s.Username).
			Str("status", s.RestoreStatus()).
			Msg("suspension expired, user released")
	}
	return released, errors.Join(errs...)
}

func (b *Bridge) release(ctx context.Context, s Suspension, now time.Time) (bool, error) {
	unlock := b.locks.lock(s.Username)
	defer unlock()

	claimed, err := b.deps.Suspensions.ReleaseSuspension(ctx, s, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		logging.Debug().Str("username", s.Username).Msg("suspension replaced by a newer ban, not releasing")
		return false, nil
	}

	if _, err := b.setRestored(ctx, s.Username, s.RestoreStatus()); err != nil {
		// Put the claim back for the next pass
		if perr := b.deps.Suspensions.PutSuspension(ctx, s); perr != nil {
			return false, errors.Join(err, fmt.Errorf("rewrite suspension: %w", perr))
		}
		return false, err
	}
	return true, nil
}
