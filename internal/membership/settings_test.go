package membership

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings(t *testing.T) *Settings {
	t.Helper()

	s := &Settings{
		ConnectionString:   "LDAP://" + adServer,
		ConnectionUsername: serviceUser,
		ConnectionPassword: servicePassword,
	}
	require.NoError(t, s.ApplyDefaults())
	return s
}

func TestSettings_ApplyDefaults(t *testing.T) {
	s := validSettings(t)

	assert.Equal(t, string(ConnectionProtectionSecure), s.ConnectionProtection)
	assert.Equal(t, 30*time.Second, s.ConnectTimeout)
	assert.Equal(t, -1, s.ClientSearchTimeout)
	assert.Equal(t, -1, s.ServerSearchTimeout)
	assert.Equal(t, "Minutes", s.TimeoutUnit)
	assert.Equal(t, 5, s.MaxInvalidPasswordAttempts)
	assert.Equal(t, 10, s.PasswordAttemptWindow)
	assert.Equal(t, 30, s.PasswordAnswerAttemptLockoutDuration)
	assert.Equal(t, 7, s.MinRequiredPasswordLength)
	require.NotNil(t, s.MinRequiredNonAlphanumericCharacters)
	assert.Equal(t, 1, *s.MinRequiredNonAlphanumericCharacters)
	assert.Equal(t, "userPrincipalName", s.AttributeMapUsername)
	assert.Equal(t, "mail", s.AttributeMapEmail)
	require.NoError(t, s.Validate())
}

func TestSettings_ApplyDefaultsKeepsExplicitZero(t *testing.T) {
	zero := 0
	s := &Settings{ConnectionString: "LDAP://" + adServer, MinRequiredNonAlphanumericCharacters: &zero}
	require.NoError(t, s.ApplyDefaults())

	assert.Equal(t, 0, *s.MinRequiredNonAlphanumericCharacters)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(s *Settings)
		wantSetting string
	}{
		{"missing connection string", func(s *Settings) { s.ConnectionString = " " }, "connection_string"},
		{"unknown protection", func(s *Settings) { s.ConnectionProtection = "Signed" }, "connection_protection"},
		{"username without password", func(s *Settings) { s.ConnectionPassword = "" }, "connection_username"},
		{"password without username", func(s *Settings) { s.ConnectionUsername = "" }, "connection_username"},
		{"blank username", func(s *Settings) { s.ConnectionUsername = "  " }, "connection_username"},
		{"unknown timeout unit", func(s *Settings) { s.TimeoutUnit = "Fortnights" }, "timeout_unit"},
		{"zero client timeout", func(s *Settings) { s.ClientSearchTimeout = 0 }, "client_search_timeout"},
		{"negative server timeout", func(s *Settings) { s.ServerSearchTimeout = -2 }, "server_search_timeout"},
		{"zero attempts", func(s *Settings) { s.MaxInvalidPasswordAttempts = -1 }, "max_invalid_password_attempts"},
		{"zero window", func(s *Settings) { s.PasswordAttemptWindow = -1 }, "password_attempt_window"},
		{"zero lockout", func(s *Settings) { s.PasswordAnswerAttemptLockoutDuration = -1 }, "password_answer_attempt_lockout_duration"},
		{"min length too large", func(s *Settings) { s.MinRequiredPasswordLength = maxPasswordLength + 1 }, "min_required_password_length"},
		{
			"non-alphanumeric above min length",
			func(s *Settings) { n := 8; s.MinRequiredNonAlphanumericCharacters = &n },
			"min_required_non_alphanumeric_characters",
		},
		{"invalid regular expression", func(s *Settings) { s.PasswordStrengthRegularExpression = "([a-z" }, "password_strength_regular_expression"},
		{
			"reset without question and answer",
			func(s *Settings) { s.EnablePasswordReset = true },
			"enable_password_reset",
		},
		{
			"reset without lockout mapping",
			func(s *Settings) {
				s.EnablePasswordReset = true
				s.RequiresQuestionAndAnswer = true
				s.AttributeMapPasswordQuestion = "passwordQuestion"
				s.AttributeMapPasswordAnswer = "passwordAnswer"
				s.AttributeMapFailedPasswordAnswerCount = "failedAnswerCount"
				s.AttributeMapFailedPasswordAnswerTime = "failedAnswerTime"
			},
			"attribute_map_failed_password_answer_lockout_time",
		},
		{
			"question without mapping",
			func(s *Settings) { s.RequiresQuestionAndAnswer = true },
			"attribute_map_password_question",
		},
		{
			"answer without mapping",
			func(s *Settings) {
				s.RequiresQuestionAndAnswer = true
				s.AttributeMapPasswordQuestion = "passwordQuestion"
			},
			"attribute_map_password_answer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings(t)
			tt.modify(s)

			err := s.Validate()
			require.ErrorIs(t, err, ErrConfiguration)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantSetting, cfgErr.Setting)
		})
	}
}

func TestSettings_DefaultCredential(t *testing.T) {
	s := &Settings{ConnectionString: "LDAP://" + adServer}
	require.NoError(t, s.ApplyDefaults())
	require.NoError(t, s.Validate())

	assert.True(t, s.credential().IsDefault())
}

func TestSettings_SearchTimeouts(t *testing.T) {
	s := validSettings(t)

	client, server := s.searchTimeouts()
	assert.Zero(t, client)
	assert.Zero(t, server)

	s.ClientSearchTimeout = 2
	s.ServerSearchTimeout = 45
	s.TimeoutUnit = "seconds"
	client, server = s.searchTimeouts()
	assert.Equal(t, 2*time.Second, client)
	assert.Equal(t, 45*time.Second, server)

	cfg, err := s.dialConfig()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Timeout, "client timeout bounds every request")
}

func TestSettings_LockoutPolicy(t *testing.T) {
	s := validSettings(t)

	assert.Equal(t, LockoutPolicy{
		MaxInvalidAttempts:    5,
		AttemptWindow:         10 * time.Minute,
		AnswerLockoutDuration: 30 * time.Minute,
	}, s.lockoutPolicy())
}

func TestSettings_DialConfigCACert(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		s := validSettings(t)
		s.TLSCACertFile = filepath.Join(dir, "missing.pem")

		_, err := s.dialConfig()
		require.ErrorIs(t, err, ErrConfiguration)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("no certificates", func(t *testing.T) {
		path := filepath.Join(dir, "empty.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		s := validSettings(t)
		s.TLSCACertFile = path

		_, err := s.dialConfig()
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "tls_ca_cert_file", cfgErr.Setting)
	})

	t.Run("skip verify", func(t *testing.T) {
		s := validSettings(t)
		s.SkipTLSVerify = true

		cfg, err := s.dialConfig()
		require.NoError(t, err)
		assert.True(t, cfg.TLSConfig.InsecureSkipVerify)
	})
}

func TestSettings_StringHidesPassword(t *testing.T) {
	s := validSettings(t)
	assert.NotContains(t, s.String(), servicePassword)
}
