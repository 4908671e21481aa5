package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/entity"
	"vaultgate.io/internal/obs"
)

const defaultStoreTimeout = 5 * time.Second

// maxCounterRetries bounds the re-read loop when a guarded counter append
// loses a race. Conflicts only come from logins on the same identity, so a
// handful of retries is plenty.
const maxCounterRetries = 5

// Service is the authentication orchestrator. It composes the tenant
// resolver, the entity store, the credential validator, the session manager,
// and the audit recorder into the login use case.
//
// The central invariant lives here: every user lookup is scoped by the tenant
// resolved from the caller's API token. There is no global lookup path.
type Service struct {
	store    entity.Store
	recorder audit.Recorder
	resolver *TenantResolver
	sessions *SessionManager
	lockout  LockoutPolicy
	timeout  time.Duration
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithLockoutPolicy overrides the default lockout policy.
func WithLockoutPolicy(p LockoutPolicy) Option {
	return func(s *Service) {
		if p.Threshold > 0 && p.Window > 0 && p.Duration > 0 {
			s.lockout = p
		}
	}
}

// WithSessionTTL overrides the default session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessions = NewSessionManager(s.store, ttl)
		}
	}
}

// WithStoreTimeout bounds every store call made by the orchestrator.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source across the pipeline (tests only).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.resolver.SetClock(fn)
			s.sessions.SetClock(fn)
		}
	}
}

// NewService constructs the orchestrator.
func NewService(store entity.Store, recorder audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		recorder: recorder,
		resolver: NewTenantResolver(store),
		sessions: NewSessionManager(store, 0),
		lockout:  DefaultLockoutPolicy(),
		timeout:  defaultStoreTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the session manager for transport-level validation.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Login runs the authentication state machine:
//
//	Start -> TokenResolved -> UserLookedUp -> CredentialChecked ->
//	SessionIssued -> Done, with Failed(reason) reachable from every state.
//
// Exactly one audit event is written per call. Expected failures are encoded
// in the result; the returned error is non-nil only for SYSTEM_ERROR and
// carries the internal cause for the transport layer to log.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Start: validate presence.
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		if err := s.recorder.RecordFailure(ctx, "", username, "", req.Client); err != nil {
			return s.systemError(ctx, "", req.Client, fmt.Errorf("audit missing credentials: %w", err))
		}
		return failure(CodeMissingCredentials), nil
	}
	if strings.TrimSpace(req.APIToken) == "" {
		if err := s.recorder.RecordFailure(ctx, "", username, "", req.Client); err != nil {
			return s.systemError(ctx, "", req.Client, fmt.Errorf("audit missing token: %w", err))
		}
		return failure(CodeMissingAPIToken), nil
	}

	// TokenResolved: establish tenant scope, fail closed.
	tc, reason, err := s.resolver.ResolveTenant(ctx, req.APIToken)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			return s.systemError(ctx, "", req.Client, fmt.Errorf("resolve tenant: %w", err))
		}
		if reason == audit.ReasonTokenUnknown {
			// Unknown tokens are a probing signal, not just a failed login.
			aerr := s.recorder.RecordIncident(ctx, "", "api_token_probe", audit.SeverityWarning,
				map[string]string{"reason": string(reason), "ip": req.Client.IP})
			if aerr != nil {
				return s.systemError(ctx, "", req.Client, fmt.Errorf("audit token probe: %w", aerr))
			}
		} else {
			if aerr := s.recorder.RecordFailure(ctx, "", username, reason, req.Client); aerr != nil {
				return s.systemError(ctx, "", req.Client, fmt.Errorf("audit token failure: %w", aerr))
			}
		}
		return failure(CodeInvalidAPIToken), nil
	}
	tenantHex := tc.TenantID.String()

	// UserLookedUp: the store derives the key from (tenant, username), so a
	// user in another tenant cannot match by construction.
	ident, err := s.store.FindByBusinessKey(ctx, entity.KindUser, tc.TenantID, username)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("find user: %w", err))
	}
	var current entity.AttributeSet
	if err == nil {
		var found bool
		current, found, err = s.store.GetCurrent(ctx, ident.ID)
		if err != nil {
			return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("load user attributes: %w", err))
		}
		if !found || !current.Attrs.Bool(attrActive) {
			err = entity.ErrNotFound
		}
	}
	if err != nil {
		// Burn a verification so a miss costs the same as a wrong password.
		VerifyPassword(dummyHash, req.Password)
		if aerr := s.recorder.RecordFailure(ctx, tenantHex, username, audit.ReasonUserNotInTenant, req.Client); aerr != nil {
			return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("audit user miss: %w", aerr))
		}
		return failure(CodeInvalidCredentials), nil
	}

	// Lockout gate: while locked, credential checks are skipped entirely.
	now := s.now().UTC()
	state := lockStateFrom(current.Attrs)
	if state.Locked(now) {
		if aerr := s.recorder.RecordFailure(ctx, tenantHex, username, audit.ReasonLockoutActive, req.Client); aerr != nil {
			return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("audit lockout: %w", aerr))
		}
		return failure(CodeAccountLocked), nil
	}

	// CredentialChecked.
	if !VerifyPassword(current.Attrs.String(attrPasswordHash), req.Password) {
		if err := s.recordFailedAttempt(ctx, ident.ID, current, now); err != nil {
			return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("record failed attempt: %w", err))
		}
		if aerr := s.recorder.RecordFailure(ctx, tenantHex, username, audit.ReasonInvalidPassword, req.Client); aerr != nil {
			return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("audit bad password: %w", aerr))
		}
		return failure(CodeInvalidCredentials), nil
	}

	// SessionIssued: reset the failure counter, then mint the session.
	if err := s.clearFailureState(ctx, ident.ID, current); err != nil {
		return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("reset failure counter: %w", err))
	}
	token, sc, err := s.sessions.CreateSession(ctx, tc.TenantID, ident.ID, ident.BusinessKey, req.Client)
	if err != nil {
		return s.systemError(ctx, tenantHex, req.Client, fmt.Errorf("create session: %w", err))
	}

	// The success record is part of the decision: if it cannot be written the
	// session must not survive.
	if aerr := s.recorder.RecordSuccess(ctx, tenantHex, ident.ID.String(), sc.SessionID.String(), req.Client); aerr != nil {
		_ = s.sessions.RevokeSession(ctx, token)
		return failure(CodeSystemError), fmt.Errorf("audit success: %w", aerr)
	}
	obs.SessionsIssued.Inc()

	// Done.
	return LoginResult{
		Success:        true,
		SessionToken:   token,
		SessionExpires: sc.ExpiresAt,
		User: Profile{
			UserID:      ident.ID.String(),
			Username:    ident.BusinessKey,
			DisplayName: current.Attrs.String(attrDisplayName),
			TenantID:    tenantHex,
			TenantName:  tc.TenantName,
			Roles:       s.roleNames(ctx, ident.ID),
		},
	}, nil
}

// recordFailedAttempt increments the failed-attempt counter through a guarded
// append so concurrent wrong guesses cannot lose each other's increment. On
// conflict the attempt is replayed against the now-current version, which is
// how every parallel guess ends up counted toward the threshold.
func (s *Service) recordFailedAttempt(ctx context.Context, userID entity.ID, current entity.AttributeSet, now time.Time) error {
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		state := lockStateFrom(current.Attrs)
		next := s.lockout.Fail(state, now)
		updated := current.Attrs.Clone()
		next.apply(updated)

		err := s.store.AppendVersionIf(ctx, userID, updated, current.ChangeHash)
		if err == nil {
			if next.Locked(now) && !state.Locked(now) {
				obs.Lockouts.Inc()
			}
			return nil
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return err
		}
		var found bool
		current, found, err = s.store.GetCurrent(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			return entity.ErrNotFound
		}
	}
	return fmt.Errorf("failed-attempt counter contention on %s", userID.String())
}

// clearFailureState removes the lock markers after a successful verification.
// Guarded like the increment: a reset must not wipe out failures recorded
// between our read and our write.
func (s *Service) clearFailureState(ctx context.Context, userID entity.ID, current entity.AttributeSet) error {
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		state := lockStateFrom(current.Attrs)
		if state.FailedCount == 0 && state.LockedUntil.IsZero() {
			return nil
		}
		cleared := current.Attrs.Clone()
		(LockState{}).apply(cleared)

		err := s.store.AppendVersionIf(ctx, userID, cleared, current.ChangeHash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return err
		}
		var found bool
		current, found, err = s.store.GetCurrent(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			return entity.ErrNotFound
		}
	}
	return fmt.Errorf("failure-state reset contention on %s", userID.String())
}

// Assert mints a downstream context assertion for a validated session. The
// business layer learns (tenant, user, roles) from this and nothing else.
func (s *Service) Assert(ctx context.Context, sc SessionContext, ttl time.Duration) (string, error) {
	return GenerateAssertion(sc.UserID.String(), sc.TenantID.String(), s.roleNames(ctx, sc.UserID), ttl)
}

// roleNames loads role links best-effort; a missing role never fails a login
// that has already been decided and audited.
func (s *Service) roleNames(ctx context.Context, userID entity.ID) []string {
	links, err := s.store.Linked(ctx, userID, entity.RelUserRole)
	if err != nil {
		return nil
	}
	var names []string
	for _, link := range links {
		role, err := s.store.GetIdentity(ctx, link.ToID)
		if err != nil {
			continue
		}
		names = append(names, role.BusinessKey)
	}
	return names
}

func failure(code Code) LoginResult {
	return LoginResult{Success: false, Code: code, Message: code.Message()}
}

// systemError maps an unexpected failure to SYSTEM_ERROR. The audit record is
// attempted on a detached context so a request timeout cannot also starve the
// trail; at this point the attempt is best-effort.
func (s *Service) systemError(ctx context.Context, tenantID string, client audit.ClientInfo, err error) (LoginResult, error) {
	detached, cancel := context.WithTimeout(
		audit.WithRequestID(context.Background(), audit.RequestIDFromContext(ctx)),
		2*time.Second,
	)
	defer cancel()
	_ = s.recorder.RecordIncident(detached, tenantID, "system_error", audit.SeverityCritical,
		map[string]string{"error": err.Error(), "ip": client.IP})
	return failure(CodeSystemError), err
}
