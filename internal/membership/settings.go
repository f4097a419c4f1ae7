package membership

import (
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// ConnectionProtection is the administrator's requested transport security.
type ConnectionProtection string

const (
	ConnectionProtectionSecure ConnectionProtection = "Secure"
	ConnectionProtectionNone   ConnectionProtection = "None"
)

// Settings holds the provider configuration. Zero values are replaced by the
// defaults declared in the struct tags.
type Settings struct {
	// Connection
	ConnectionString     string        `json:"connection_string"`
	ConnectionProtection string        `json:"connection_protection" default:"Secure"`
	ConnectionUsername   string        `json:"connection_username"`
	ConnectionPassword   string        `json:"-"`
	ConnectTimeout       time.Duration `json:"connect_timeout" default:"30s"`

	// Kerberos settings for the Negotiate mechanism
	KerberosRealm  string `json:"kerberos_realm"`
	KerberosConfig string `json:"kerberos_config"`
	KerberosKeytab string `json:"kerberos_keytab"`
	KerberosCCache string `json:"kerberos_ccache"`
	KerberosSPN    string `json:"kerberos_spn"`

	// TLS
	TLSCACertFile string `json:"tls_ca_cert_file"`
	SkipTLSVerify bool   `json:"skip_tls_verify"`

	// Search timeouts, -1 for unset, expressed in TimeoutUnit
	ClientSearchTimeout int    `json:"client_search_timeout" default:"-1"`
	ServerSearchTimeout int    `json:"server_search_timeout" default:"-1"`
	TimeoutUnit         string `json:"timeout_unit" default:"Minutes"`

	// Password reset and answer lockout
	EnablePasswordReset                  bool `json:"enable_password_reset"`
	RequiresQuestionAndAnswer            bool `json:"requires_question_and_answer"`
	MaxInvalidPasswordAttempts           int  `json:"max_invalid_password_attempts" default:"5"`
	PasswordAttemptWindow                int  `json:"password_attempt_window" default:"10"`                  // minutes
	PasswordAnswerAttemptLockoutDuration int  `json:"password_answer_attempt_lockout_duration" default:"30"` // minutes

	// Password policy
	MinRequiredPasswordLength            int    `json:"min_required_password_length" default:"7"`
	MinRequiredNonAlphanumericCharacters *int   `json:"min_required_non_alphanumeric_characters" default:"1"`
	PasswordStrengthRegularExpression    string `json:"password_strength_regular_expression"`

	// Attribute mappings
	AttributeMapUsername                        string `json:"attribute_map_username" default:"userPrincipalName"`
	AttributeMapEmail                           string `json:"attribute_map_email" default:"mail"`
	AttributeMapPasswordQuestion                string `json:"attribute_map_password_question"`
	AttributeMapPasswordAnswer                  string `json:"attribute_map_password_answer"`
	AttributeMapFailedPasswordAnswerCount       string `json:"attribute_map_failed_password_answer_count"`
	AttributeMapFailedPasswordAnswerTime        string `json:"attribute_map_failed_password_answer_time"`
	AttributeMapFailedPasswordAnswerLockoutTime string `json:"attribute_map_failed_password_answer_lockout_time"`
}

// ApplyDefaults fills zero-valued fields from the default tags.
func (s *Settings) ApplyDefaults() error {
	if err := defaults.Set(s); err != nil {
		return &ConfigurationError{Reason: "applying defaults", Cause: err}
	}
	return nil
}

// Validate checks the settings for consistency.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.ConnectionString) == "" {
		return configError("connection_string", "must be set")
	}

	switch ConnectionProtection(s.ConnectionProtection) {
	case ConnectionProtectionSecure, ConnectionProtectionNone:
	default:
		return configError("connection_protection", "must be %q or %q, got %q",
			ConnectionProtectionSecure, ConnectionProtectionNone, s.ConnectionProtection)
	}

	hasUser := s.ConnectionUsername != ""
	hasPassword := s.ConnectionPassword != ""
	if hasUser != hasPassword {
		return configError("connection_username", "username and password must be specified together")
	}
	if hasUser && strings.TrimSpace(s.ConnectionUsername) == "" {
		return configError("connection_username", "must not be blank")
	}

	if _, err := s.timeoutUnit(); err != nil {
		return err
	}
	if s.ClientSearchTimeout == 0 || s.ClientSearchTimeout < -1 {
		return configError("client_search_timeout", "must be positive or -1")
	}
	if s.ServerSearchTimeout == 0 || s.ServerSearchTimeout < -1 {
		return configError("server_search_timeout", "must be positive or -1")
	}

	if s.MaxInvalidPasswordAttempts <= 0 {
		return configError("max_invalid_password_attempts", "must be positive")
	}
	if s.PasswordAttemptWindow <= 0 {
		return configError("password_attempt_window", "must be positive")
	}
	if s.PasswordAnswerAttemptLockoutDuration <= 0 {
		return configError("password_answer_attempt_lockout_duration", "must be positive")
	}

	if s.MinRequiredPasswordLength < 0 || s.MinRequiredPasswordLength > maxPasswordLength {
		return configError("min_required_password_length", "must be between 0 and %d", maxPasswordLength)
	}
	if n := s.minNonAlphanumeric(); n < 0 || n > s.MinRequiredPasswordLength {
		return configError("min_required_non_alphanumeric_characters", "must be between 0 and min_required_password_length")
	}
	if s.PasswordStrengthRegularExpression != "" {
		if _, err := regexp.Compile(s.PasswordStrengthRegularExpression); err != nil {
			return &ConfigurationError{Setting: "password_strength_regular_expression", Reason: "invalid regular expression", Cause: err}
		}
	}

	if s.EnablePasswordReset {
		if !s.RequiresQuestionAndAnswer {
			return configError("enable_password_reset", "requires requires_question_and_answer")
		}
		required := map[string]string{
			"attribute_map_failed_password_answer_count":        s.AttributeMapFailedPasswordAnswerCount,
			"attribute_map_failed_password_answer_time":         s.AttributeMapFailedPasswordAnswerTime,
			"attribute_map_failed_password_answer_lockout_time": s.AttributeMapFailedPasswordAnswerLockoutTime,
		}
		for name, value := range required {
			if strings.TrimSpace(value) == "" {
				return configError(name, "must be set when password reset is enabled")
			}
		}
	}

	if s.RequiresQuestionAndAnswer {
		if strings.TrimSpace(s.AttributeMapPasswordQuestion) == "" {
			return configError("attribute_map_password_question", "must be set when a question and answer are required")
		}
		if strings.TrimSpace(s.AttributeMapPasswordAnswer) == "" {
			return configError("attribute_map_password_answer", "must be set when a question and answer are required")
		}
	}

	return nil
}

func (s *Settings) minNonAlphanumeric() int {
	if s.MinRequiredNonAlphanumericCharacters == nil {
		return 0
	}
	return *s.MinRequiredNonAlphanumericCharacters
}

func (s *Settings) timeoutUnit() (time.Duration, error) {
	switch strings.ToLower(s.TimeoutUnit) {
	case "seconds":
		return time.Second, nil
	case "minutes":
		return time.Minute, nil
	case "hours":
		return time.Hour, nil
	case "days":
		return 24 * time.Hour, nil
	default:
		return 0, configError("timeout_unit", "unknown unit %q", s.TimeoutUnit)
	}
}

func (s *Settings) searchTimeouts() (client, server time.Duration) {
	unit, err := s.timeoutUnit()
	if err != nil {
		return 0, 0
	}
	if s.ClientSearchTimeout > 0 {
		client = time.Duration(s.ClientSearchTimeout) * unit
	}
	if s.ServerSearchTimeout > 0 {
		server = time.Duration(s.ServerSearchTimeout) * unit
	}
	return client, server
}

func (s *Settings) credential() ldapclient.Credential {
	return ldapclient.Credential{
		Username: strings.TrimSpace(s.ConnectionUsername),
		Password: s.ConnectionPassword,
	}
}

func (s *Settings) lockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxInvalidAttempts:    s.MaxInvalidPasswordAttempts,
		AttemptWindow:         time.Duration(s.PasswordAttemptWindow) * time.Minute,
		AnswerLockoutDuration: time.Duration(s.PasswordAnswerAttemptLockoutDuration) * time.Minute,
	}
}

// dialConfig builds the transport configuration. The client search timeout,
// when set, bounds every request on the connection.
func (s *Settings) dialConfig() (*ldapclient.DialConfig, error) {
	cfg := ldapclient.DefaultDialConfig()
	cfg.Timeout = s.ConnectTimeout
	if client, _ := s.searchTimeouts(); client > 0 {
		cfg.Timeout = client
	}

	cfg.KerberosRealm = s.KerberosRealm
	cfg.KerberosConfig = s.KerberosConfig
	cfg.KerberosKeytab = s.KerberosKeytab
	cfg.KerberosCCache = s.KerberosCCache
	cfg.KerberosSPN = s.KerberosSPN

	cfg.TLSConfig.InsecureSkipVerify = s.SkipTLSVerify //nolint:gosec // administrator opt-in
	if s.TLSCACertFile != "" {
		pem, err := os.ReadFile(s.TLSCACertFile)
		if err != nil {
			return nil, &ConfigurationError{Setting: "tls_ca_cert_file", Reason: "reading CA certificate", Cause: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, configError("tls_ca_cert_file", "no certificates found in %s", s.TLSCACertFile)
		}
		cfg.TLSConfig.RootCAs = pool
	}

	return cfg, nil
}

func (s *Settings) String() string {
	return fmt.Sprintf("Settings{connection_string=%q protection=%s username=%q}",
		s.ConnectionString, s.ConnectionProtection, s.ConnectionUsername)
}
