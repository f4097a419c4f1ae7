package membership

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

func adSettings() Settings {
	return Settings{
		ConnectionString:   "LDAP://" + adServer,
		ConnectionUsername: serviceUser,
		ConnectionPassword: servicePassword,
	}
}

func resetSettings() Settings {
	s := adSettings()
	s.EnablePasswordReset = true
	s.RequiresQuestionAndAnswer = true
	s.MaxInvalidPasswordAttempts = 3
	s.AttributeMapPasswordQuestion = "passwordQuestion"
	s.AttributeMapPasswordAnswer = "passwordAnswer"
	s.AttributeMapFailedPasswordAnswerCount = "failedAnswerCount"
	s.AttributeMapFailedPasswordAnswerTime = "failedAnswerTime"
	s.AttributeMapFailedPasswordAnswerLockoutTime = "failedAnswerLockout"
	return s
}

func newTestProvider(t *testing.T, d *fakeDirectory, s Settings) (*Provider, *Metrics) {
	t.Helper()

	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProvider(
		WithDialer(d),
		WithResolver(fakeResolver{}),
		WithClock(fixedClock),
		WithMetrics(metrics),
	)
	require.NoError(t, p.Initialize(context.Background(), s))
	t.Cleanup(func() { _ = p.Close() })
	return p, metrics
}

func TestProvider_NotInitialized(t *testing.T) {
	ctx := context.Background()
	p := NewProvider()

	_, err := p.ValidateUser(ctx, "alice", "password")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = p.GetUser(ctx, "alice")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, _, err = p.IsUserLockedOut(ctx, "alice")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = p.Mapping()
	require.ErrorIs(t, err, ErrNotInitialized)

	require.ErrorIs(t, p.CheckPasswordPolicy("password"), ErrNotInitialized)
	assert.Nil(t, p.Endpoint())
	assert.NoError(t, p.Close())
}

func TestProvider_Initialize(t *testing.T) {
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	ep := p.Endpoint()
	require.NotNil(t, ep)
	assert.Equal(t, DirectoryTypeAD, ep.DirectoryType)
	assert.Equal(t, "CORP", ep.NetBIOSDomainName)

	mapping, err := p.Mapping()
	require.NoError(t, err)
	assert.Equal(t, ResolvedAttribute{Name: "userPrincipalName", MaxLength: 1024}, mapping.Username)
	assert.Equal(t, ResolvedAttribute{Name: "mail", MaxLength: 256}, mapping.Email)

	// A second call keeps the existing state.
	dials := d.dials.Load()
	require.NoError(t, p.Initialize(context.Background(), Settings{}))
	assert.Equal(t, dials, d.dials.Load())
	assert.Same(t, ep, p.Endpoint())
}

func TestProvider_CloseReleasesSessions(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	ok, err := p.ValidateUser(ctx, "alice@corp.example.com", "correct-password")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, d.open.Load())

	require.NoError(t, p.Close())
	assert.Zero(t, d.open.Load())
	assert.Nil(t, p.Endpoint())

	_, err = p.ValidateUser(ctx, "alice@corp.example.com", "correct-password")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestProvider_InitializeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid settings", func(t *testing.T) {
		d := newADDirectory()
		p := NewProvider(WithDialer(d))

		err := p.Initialize(ctx, Settings{})
		require.ErrorIs(t, err, ErrConfiguration)
		assert.Zero(t, d.dials.Load())
	})

	t.Run("mapping rejected", func(t *testing.T) {
		d := newADDirectory()
		p := NewProvider(WithDialer(d))

		s := adSettings()
		s.AttributeMapEmail = "employeeID"
		err := p.Initialize(ctx, s)

		var mappingErr *MappingError
		require.ErrorAs(t, err, &mappingErr)
		assert.Equal(t, "attribute_map_email", mappingErr.Mapping)
		assert.Zero(t, d.open.Load(), "connections are released")
		assert.Nil(t, p.Endpoint())
	})

	t.Run("unreachable", func(t *testing.T) {
		d := newADDirectory()
		d.dialErr = func(ldapclient.Target) error { return serverUnavailable() }
		p := NewProvider(WithDialer(d))

		var unreachable *AuthorityUnreachableError
		require.ErrorAs(t, p.Initialize(ctx, adSettings()), &unreachable)
	})
}

func TestProvider_ValidateUser(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, metrics := newTestProvider(t, d, adSettings())

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"upn", "alice@corp.example.com", "correct-password", true},
		{"upn with surrounding space", "  alice@corp.example.com ", "correct-password", true},
		{"wrong password", "alice@corp.example.com", "wrong-password", false},
		{"bare name binds as domain account", "carol", "carol-password", true},
		{"unknown user", "nobody@corp.example.com", "correct-password", false},
		{"down-level name", `CORP\alice`, "correct-password", false},
		{"comma", "alice,admin", "correct-password", false},
		{"empty username", " ", "correct-password", false},
		{"blank password", "alice@corp.example.com", "   ", false},
		{"password too long", "alice@corp.example.com", strings.Repeat("x", maxPasswordLength+1), false},
		{"username too long", strings.Repeat("a", 1025), "correct-password", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := p.ValidateUser(ctx, tt.username, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.validations.WithLabelValues(resultSuccess)), 0)
	assert.InDelta(t, 8, testutil.ToFloat64(metrics.validations.WithLabelValues(resultFailure)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.validations.WithLabelValues(resultError)), 0)
}

func TestProvider_ValidateUserTransportError(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	delete(d.root, "supportedExtension")
	p, metrics := newTestProvider(t, d, adSettings())

	d.bindErr = func(_ ldapclient.Target, cred ldapclient.Credential, _ ldapclient.Mechanism) error {
		if cred.Username != serviceUser {
			return serverUnavailable()
		}
		return nil
	}

	ok, err := p.ValidateUser(ctx, "alice@corp.example.com", "correct-password")
	require.Error(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.validations.WithLabelValues(resultError)), 0)
}

func TestProvider_GetUser(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	u, err := p.GetUser(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.Equal(t, &User{
		Username:                "alice@corp.example.com",
		DN:                      aliceDN,
		SID:                     "S-1-5-21-1004336348-1177238915-682003330-1104",
		GUID:                    "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Email:                   "alice@example.com",
		Comment:                 "first user",
		IsApproved:              true,
		LastLockoutDate:         DefaultLastLockoutDate,
		CreationDate:            time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC),
		LastPasswordChangedDate: time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC),
		SAMAccountName:          "alice",
	}, u)

	carol, err := p.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, carol.IsApproved, "ACCOUNTDISABLE is set")
	assert.Empty(t, carol.Email)
	assert.Empty(t, carol.GUID)

	_, err = p.GetUser(ctx, "nobody@corp.example.com")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = p.GetUser(ctx, "a,b")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestProvider_ADAM(t *testing.T) {
	ctx := context.Background()
	d := newADAMDirectory()
	p, _ := newTestProvider(t, d, Settings{
		ConnectionString:   "LDAP://adam.example.com:50001/" + adamPeopleDN,
		ConnectionUsername: "CN=svc," + adamRootDN,
		ConnectionPassword: servicePassword,
	})

	assert.Equal(t, ldapclient.MechanismSimple, p.current.validator.Mechanism())

	ok, err := p.ValidateUser(ctx, "bob@apps", "bob-password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ValidateUser(ctx, "bob@apps", "alice-password")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := p.GetUser(ctx, "bob@apps")
	require.NoError(t, err)
	assert.True(t, u.IsApproved)
	assert.Equal(t, "S-1-372222798-3919851120-1104", u.SID)
	assert.Empty(t, u.SAMAccountName)
}

func TestProvider_PasswordAnswerLockout(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, metrics := newTestProvider(t, d, resetSettings())

	const alice = "alice@corp.example.com"

	for range 2 {
		require.NoError(t, p.TrackPasswordAnswer(ctx, alice, false))
	}
	assert.Equal(t, "2", d.attr(aliceDN, "failedAnswerCount"))

	locked, _, err := p.IsUserLockedOut(ctx, alice)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, p.TrackPasswordAnswer(ctx, alice, false))
	assert.Equal(t, "3", d.attr(aliceDN, "failedAnswerCount"))
	assert.Equal(t, ldapclient.FormatFileTime(fixtureNow), d.attr(aliceDN, "failedAnswerLockout"))

	locked, at, err := p.IsUserLockedOut(ctx, alice)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.True(t, fixtureNow.Equal(at))

	require.ErrorIs(t, p.TrackPasswordAnswer(ctx, alice, false), ErrAccountLockedOut)
	require.ErrorIs(t, p.TrackPasswordAnswer(ctx, alice, true), ErrAccountLockedOut)

	ok, err := p.ValidateUser(ctx, alice, "correct-password")
	require.NoError(t, err)
	assert.False(t, ok, "locked accounts cannot sign in")

	u, err := p.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.True(t, u.IsLockedOut)

	require.NoError(t, p.ResetPasswordAnswerLockout(ctx, alice))
	assert.Equal(t, "0", d.attr(aliceDN, "failedAnswerCount"))

	locked, at, err = p.IsUserLockedOut(ctx, alice)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Equal(t, DefaultLastLockoutDate, at)

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.lockoutEvents.WithLabelValues(eventFailedAnswer)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.lockoutEvents.WithLabelValues(eventAnswerLockout)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.lockoutEvents.WithLabelValues(eventReset)), 0)
}

func TestProvider_SuccessfulSignInClearsFailedAnswers(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, resetSettings())

	require.NoError(t, p.TrackPasswordAnswer(ctx, "alice@corp.example.com", false))
	assert.Equal(t, "1", d.attr(aliceDN, "failedAnswerCount"))

	ok, err := p.ValidateUser(ctx, "alice@corp.example.com", "correct-password")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0", d.attr(aliceDN, "failedAnswerCount"))

	// Nothing to clear: no further writes.
	writes := len(d.modifyLog())
	ok, err = p.ValidateUser(ctx, "alice@corp.example.com", "correct-password")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, d.modifyLog(), writes)
}

func TestProvider_CorrectAnswerClearsFailures(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, resetSettings())

	require.NoError(t, p.TrackPasswordAnswer(ctx, "alice@corp.example.com", true))
	assert.Empty(t, d.modifyLog(), "no failures to clear")

	require.NoError(t, p.TrackPasswordAnswer(ctx, "alice@corp.example.com", false))
	require.NoError(t, p.TrackPasswordAnswer(ctx, "alice@corp.example.com", true))
	assert.Equal(t, "0", d.attr(aliceDN, "failedAnswerCount"))
	assert.Len(t, d.modifyLog(), 2)
}

func TestProvider_PasswordResetDisabled(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	require.ErrorIs(t, p.TrackPasswordAnswer(ctx, "alice@corp.example.com", false), ErrPasswordResetDisabled)
	require.ErrorIs(t, p.ResetPasswordAnswerLockout(ctx, "alice@corp.example.com"), ErrPasswordResetDisabled)
	assert.Empty(t, d.modifyLog())
}

func TestProvider_UnlockUser(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, metrics := newTestProvider(t, d, resetSettings())

	// Native lockout without the computed flag falls back to lockoutTime.
	d.setAttr(aliceDN, "msDS-User-Account-Control-Computed")
	d.setAttr(aliceDN, "lockoutTime", ldapclient.FormatFileTime(fixtureNow.Add(-5*time.Minute)))

	locked, at, err := p.IsUserLockedOut(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.True(t, fixtureNow.Add(-5*time.Minute).Equal(at))

	ok, err := p.UnlockUser(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0", d.attr(aliceDN, "lockoutTime"))
	assert.Equal(t, "0", d.attr(aliceDN, "failedAnswerLockout"))

	locked, _, err = p.IsUserLockedOut(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.False(t, locked)

	ok, err = p.UnlockUser(ctx, "nobody@corp.example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.lockoutEvents.WithLabelValues(eventUnlock)), 0)
}

func TestProvider_NativeLockoutExpires(t *testing.T) {
	ctx := context.Background()
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	d.setAttr(aliceDN, "msDS-User-Account-Control-Computed")
	d.setAttr(aliceDN, "lockoutTime", ldapclient.FormatFileTime(fixtureNow.Add(-31*time.Minute)))

	locked, _, err := p.IsUserLockedOut(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.False(t, locked, "domain lockoutDuration is 30 minutes")

	d.setAttr(aliceDN, "msDS-User-Account-Control-Computed", "16")

	locked, _, err = p.IsUserLockedOut(ctx, "alice@corp.example.com")
	require.NoError(t, err)
	assert.True(t, locked, "computed flag wins")
}

func TestProvider_CheckPasswordPolicy(t *testing.T) {
	d := newADDirectory()
	p, _ := newTestProvider(t, d, adSettings())

	require.NoError(t, p.CheckPasswordPolicy("long-password"))
	require.ErrorIs(t, p.CheckPasswordPolicy("sh-rt"), ErrPasswordPolicy)
	require.ErrorIs(t, p.CheckPasswordPolicy("longpassword"), ErrPasswordPolicy)
	require.ErrorIs(t, p.CheckPasswordPolicy(strings.Repeat("x-", maxPasswordLength)), ErrPasswordPolicy)

	s := adSettings()
	s.PasswordStrengthRegularExpression = `\d`
	zero := 0
	s.MinRequiredNonAlphanumericCharacters = &zero
	strict, _ := newTestProvider(t, newADDirectory(), s)

	require.NoError(t, strict.CheckPasswordPolicy("password1"))
	require.ErrorIs(t, strict.CheckPasswordPolicy("password"), ErrPasswordPolicy)
}
