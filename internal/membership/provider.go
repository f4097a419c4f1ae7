package membership

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

const (
	maxPasswordLength = 128

	// defaultPoolSize bounds the idle service sessions kept per endpoint.
	defaultPoolSize = 4
)

// Option configures a Provider.
type Option func(*Provider)

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d ldapclient.Dialer) Option {
	return func(p *Provider) { p.dialer = d }
}

// WithResolver replaces the DNS resolver used for PDC discovery.
func WithResolver(r ldapclient.Resolver) Option {
	return func(p *Provider) { p.resolver = r }
}

// WithClock replaces the lockout clock.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithMetrics records validation and lockout counters.
func WithMetrics(m *Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider authenticates and inspects directory users. It must be
// initialized once before use and is safe for concurrent use afterwards.
type Provider struct {
	dialer   ldapclient.Dialer
	resolver ldapclient.Resolver
	now      func() time.Time
	metrics  *Metrics

	mu      sync.Mutex
	current *providerState
}

// providerState is everything Initialize produces. It is never modified
// after it is published.
type providerState struct {
	settings        Settings
	endpoint        *Endpoint
	mapping         *AttributeMapping
	validator       *CredentialValidator
	tracker         *LockoutTracker
	passwordPattern *regexp.Regexp
}

// NewProvider creates an uninitialized provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize validates settings, negotiates the directory connection and
// resolves the attribute mappings. Calling it again after a successful
// initialization is a no-op.
func (p *Provider) Initialize(ctx context.Context, settings Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return nil
	}

	return ldapclient.LogOperation(ctx, "membership", "initialize", map[string]any{
		"connection_string": settings.ConnectionString,
	}, func() error {
		st, err := p.initialize(ctx, settings)
		if err != nil {
			return err
		}
		p.current = st
		return nil
	})
}

func (p *Provider) initialize(ctx context.Context, s Settings) (*providerState, error) {
	if err := s.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	dialer := p.dialer
	if dialer == nil {
		cfg, err := s.dialConfig()
		if err != nil {
			return nil, err
		}
		dialer = ldapclient.NewNetDialer(cfg)
	}

	_, serverTimeout := s.searchTimeouts()
	endpoint, err := Negotiate(ctx, dialer, s.ConnectionString, s.credential(),
		ConnectionProtection(s.ConnectionProtection), NegotiateOptions{
			PreferPDC:           s.EnablePasswordReset,
			Discovery:           ldapclient.NewSRVDiscovery(p.resolver),
			ServerSearchTimeout: serverTimeout,
			PoolSize:            defaultPoolSize,
		})
	if err != nil {
		return nil, err
	}

	mapper := NewSchemaAttributeMapper(newDirectorySchema(endpoint, endpoint.SchemaNamingContext), endpoint.DirectoryType)
	mapping, err := resolveMappings(ctx, mapper, &s)
	if err != nil {
		_ = endpoint.Close()
		return nil, err
	}

	policy := s.lockoutPolicy()
	policy.NativeLockoutDuration = endpoint.NativeLockoutDuration

	// Failed answers only count towards lockout when password reset is on.
	trackerMapping := mapping
	if !s.EnablePasswordReset {
		trackerMapping = nil
	}

	st := &providerState{
		settings:  s,
		endpoint:  endpoint,
		mapping:   mapping,
		validator: NewCredentialValidator(endpoint),
		tracker:   NewLockoutTracker(endpoint, trackerMapping, policy, p.now, p.metrics),
	}
	if s.PasswordStrengthRegularExpression != "" {
		st.passwordPattern = regexp.MustCompile(s.PasswordStrengthRegularExpression)
	}
	return st, nil
}

func (p *Provider) state() (*providerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil, ErrNotInitialized
	}
	return p.current, nil
}

// Endpoint returns the negotiated endpoint, or nil before initialization.
func (p *Provider) Endpoint() *Endpoint {
	st, err := p.state()
	if err != nil {
		return nil
	}
	return st.endpoint
}

// Mapping returns a copy of the resolved attribute mapping.
func (p *Provider) Mapping() (AttributeMapping, error) {
	st, err := p.state()
	if err != nil {
		return AttributeMapping{}, err
	}
	return *st.mapping, nil
}

// Metrics returns the counters recorded by this provider, or nil.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Close releases all directory connections. The provider must be
// initialized again before further use.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil
	}
	err := p.current.endpoint.Close()
	p.current = nil
	return err
}

// checkParameter trims a username and rejects values that can never match.
func checkParameter(value string, maxLength int) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || strings.Contains(value, ",") {
		return "", false
	}
	if maxLength > 0 && len(value) > maxLength {
		return "", false
	}
	return value, true
}

func checkPassword(password string) bool {
	return strings.TrimSpace(password) != "" && len(password) <= maxPasswordLength
}

// ValidateUser reports whether password is correct for username. Unknown
// users, locked accounts and malformed input all yield false.
func (p *Provider) ValidateUser(ctx context.Context, username, password string) (bool, error) {
	ok, err := p.validateUser(ctx, username, password)
	p.metrics.observeValidation(ok, err)

	fields := map[string]any{"username": username, "valid": ok}
	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemWarn(ctx, "membership", "Credential validation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, "membership", "Credential validation completed", fields)
	}
	return ok, err
}

func (p *Provider) validateUser(ctx context.Context, username, password string) (bool, error) {
	st, err := p.state()
	if err != nil {
		return false, err
	}

	username, ok := checkParameter(username, st.mapping.Username.MaxLength)
	if !ok {
		return false, nil
	}
	if st.mapping.UsernameIsUPN() && strings.Contains(username, `\`) {
		return false, nil
	}
	if !checkPassword(password) {
		return false, nil
	}

	entry, err := st.findUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	bindName := username
	if st.endpoint.DirectoryType == DirectoryTypeAD && st.mapping.UsernameIsUPN() && !strings.Contains(username, "@") {
		sam := entry.GetAttributeValue("sAMAccountName")
		if sam == "" {
			return false, nil
		}
		bindName = st.endpoint.NetBIOSDomainName + `\` + sam
	}

	var account *AccountSnapshot
	if st.settings.EnablePasswordReset {
		account, err = snapshotFromEntry(entry, st.mapping)
		if err != nil {
			return false, err
		}
		if locked, _ := st.tracker.ComputeLockout(account); locked {
			return false, nil
		}
	}

	valid, err := st.validator.Validate(ctx, bindName, password)
	if err != nil || !valid {
		return false, err
	}

	if account != nil && account.Answer.FailedCount > 0 {
		if err := st.tracker.ResetFailedAnswer(ctx, account); err != nil {
			return false, err
		}
	}
	return true, nil
}

// findUser looks up one user by the mapped username attribute.
func (st *providerState) findUser(ctx context.Context, username string) (*ldap.Entry, error) {
	ep := st.endpoint
	result, err := ep.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     ep.ContainerDN,
		Scope:      ldapclient.ScopeWholeSubtree,
		Filter:     userSearchFilter(ep.DirectoryType, st.mapping.Username.Name, username),
		Attributes: userAttributes(ep.DirectoryType, st.mapping),
	})
	if err != nil {
		return nil, err
	}
	entry := result.First()
	if entry == nil {
		return nil, ErrUserNotFound
	}
	return entry, nil
}

// account finds a user and reads its lockout inputs.
func (p *Provider) account(ctx context.Context, username string) (*providerState, *ldap.Entry, *AccountSnapshot, error) {
	st, err := p.state()
	if err != nil {
		return nil, nil, nil, err
	}

	username, ok := checkParameter(username, st.mapping.Username.MaxLength)
	if !ok {
		return nil, nil, nil, ErrUserNotFound
	}

	entry, err := st.findUser(ctx, username)
	if err != nil {
		return nil, nil, nil, err
	}
	snap, err := snapshotFromEntry(entry, st.mapping)
	if err != nil {
		return nil, nil, nil, err
	}
	return st, entry, snap, nil
}

// IsUserLockedOut reports the combined lockout state of a user.
func (p *Provider) IsUserLockedOut(ctx context.Context, username string) (bool, time.Time, error) {
	st, _, snap, err := p.account(ctx, username)
	if err != nil {
		return false, DefaultLastLockoutDate, err
	}
	locked, at := st.tracker.ComputeLockout(snap)
	return locked, at, nil
}

// ResetPasswordAnswerLockout clears the failed answer state of a user.
func (p *Provider) ResetPasswordAnswerLockout(ctx context.Context, username string) error {
	st, err := p.state()
	if err != nil {
		return err
	}
	if !st.settings.EnablePasswordReset {
		return ErrPasswordResetDisabled
	}

	st, _, snap, err := p.account(ctx, username)
	if err != nil {
		return err
	}
	return st.tracker.ResetFailedAnswer(ctx, snap)
}

// TrackPasswordAnswer is called after a password answer has been checked.
// A wrong answer counts towards lockout; a correct one clears earlier
// failures. Locked accounts are rejected before anything is written.
func (p *Provider) TrackPasswordAnswer(ctx context.Context, username string, correct bool) error {
	st, err := p.state()
	if err != nil {
		return err
	}
	if !st.settings.EnablePasswordReset {
		return ErrPasswordResetDisabled
	}

	st, _, snap, err := p.account(ctx, username)
	if err != nil {
		return err
	}
	if locked, _ := st.tracker.ComputeLockout(snap); locked {
		return ErrAccountLockedOut
	}

	if correct {
		if snap.Answer.FailedCount > 0 {
			return st.tracker.ResetFailedAnswer(ctx, snap)
		}
		return nil
	}

	_, err = st.tracker.RecordFailedAnswer(ctx, snap)
	return err
}

// UnlockUser clears the native and answer lockout of a user. It returns
// false for unknown users.
func (p *Provider) UnlockUser(ctx context.Context, username string) (bool, error) {
	st, _, snap, err := p.account(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := st.tracker.Unlock(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

// GetUser returns a user with its approval and lockout state.
func (p *Provider) GetUser(ctx context.Context, username string) (*User, error) {
	st, entry, snap, err := p.account(ctx, username)
	if err != nil {
		return nil, err
	}

	u, err := userFromEntry(entry, st.endpoint.DirectoryType, st.mapping)
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", entry.DN, err)
	}
	u.IsLockedOut, u.LastLockoutDate = st.tracker.ComputeLockout(snap)
	return u, nil
}

// CheckPasswordPolicy checks a candidate password against the configured
// length, character class and pattern rules.
func (p *Provider) CheckPasswordPolicy(password string) error {
	st, err := p.state()
	if err != nil {
		return err
	}

	s := &st.settings
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: longer than %d characters", ErrPasswordPolicy, maxPasswordLength)
	}
	if len(password) < s.MinRequiredPasswordLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrPasswordPolicy, s.MinRequiredPasswordLength)
	}

	var nonAlphanumeric int
	for _, r := range password {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			nonAlphanumeric++
		}
	}
	if nonAlphanumeric < s.minNonAlphanumeric() {
		return fmt.Errorf("%w: needs at least %d non-alphanumeric characters", ErrPasswordPolicy, s.minNonAlphanumeric())
	}

	if st.passwordPattern != nil && !st.passwordPattern.MatchString(password) {
		return fmt.Errorf("%w: does not match the required pattern", ErrPasswordPolicy)
	}
	return nil
}
