package provider

import (
	"fmt"
	"os"
	"strings"
	"testing"
)

// Test environment configuration constants.
const (
	// Environment variables for test configuration.
	EnvTestConnectionString = "ADM_TEST_CONNECTION_STRING"
	EnvTestUsername         = "ADM_TEST_USERNAME"
	EnvTestPassword         = "ADM_TEST_PASSWORD"
	EnvTestKeytab           = "ADM_TEST_KEYTAB"
	EnvTestRealm            = "ADM_TEST_REALM"
	EnvTestUserMapping      = "ADM_TEST_ATTRIBUTE_MAP_USERNAME"

	// Account checked by the user and credential check acceptance tests.
	EnvTestAccountName     = "ADM_TEST_ACCOUNT_NAME"
	EnvTestAccountPassword = "ADM_TEST_ACCOUNT_PASSWORD"
)

// TestConfig holds common test configuration.
type TestConfig struct {
	ConnectionString string
	Username         string
	Password         string
	Keytab           string
	Realm            string
	UserMapping      string
	UseKerberos      bool

	AccountName     string
	AccountPassword string
}

// GetTestConfig returns the test configuration from environment variables.
func GetTestConfig() *TestConfig {
	config := &TestConfig{
		ConnectionString: os.Getenv(EnvTestConnectionString),
		Username:         os.Getenv(EnvTestUsername),
		Password:         os.Getenv(EnvTestPassword),
		Keytab:           os.Getenv(EnvTestKeytab),
		Realm:            os.Getenv(EnvTestRealm),
		UserMapping:      os.Getenv(EnvTestUserMapping),
		AccountName:      os.Getenv(EnvTestAccountName),
		AccountPassword:  os.Getenv(EnvTestAccountPassword),
	}

	// Determine if we should use Kerberos authentication
	config.UseKerberos = config.Keytab != "" && config.Realm != ""

	return config
}

// IsAccTest returns true if acceptance tests should run.
func IsAccTest() bool {
	return os.Getenv("TF_ACC") != ""
}

// SkipIfNotAccTest skips the test if TF_ACC is not set.
func SkipIfNotAccTest(t *testing.T) {
	if !IsAccTest() {
		t.Skip("Skipping acceptance test - set TF_ACC=1 to run")
	}
}

// testAccPreCheckWithConfig validates the acceptance test environment.
func testAccPreCheckWithConfig(t *testing.T) *TestConfig {
	SkipIfNotAccTest(t)

	config := GetTestConfig()

	if config.ConnectionString == "" {
		t.Skipf("Skipping test: %s must be set to a real directory", EnvTestConnectionString)
	}

	if config.Username != "" && config.Password == "" && !config.UseKerberos {
		t.Skipf("Skipping test: %s must be set (or configure Kerberos)", EnvTestPassword)
	}

	return config
}

// testAccAccountPreCheck additionally requires a test account.
func testAccAccountPreCheck(t *testing.T) *TestConfig {
	config := testAccPreCheckWithConfig(t)

	if config.AccountName == "" || config.AccountPassword == "" {
		t.Skipf("Skipping test: %s and %s must be set", EnvTestAccountName, EnvTestAccountPassword)
	}

	return config
}

// TestProviderConfig generates provider configuration for tests.
func TestProviderConfig() string {
	config := GetTestConfig()

	var providerConfig strings.Builder
	providerConfig.WriteString("provider \"admembership\" {\n")
	providerConfig.WriteString(fmt.Sprintf("  connection_string = %q\n", config.ConnectionString))

	if config.UseKerberos {
		providerConfig.WriteString(fmt.Sprintf("  kerberos_realm  = %q\n", config.Realm))
		providerConfig.WriteString(fmt.Sprintf("  kerberos_keytab = %q\n", config.Keytab))
	}
	if config.Username != "" {
		providerConfig.WriteString(fmt.Sprintf("  username = %q\n", config.Username))
		if !config.UseKerberos {
			providerConfig.WriteString(fmt.Sprintf("  password = %q\n", config.Password))
		}
	}
	if config.UserMapping != "" {
		providerConfig.WriteString(fmt.Sprintf("  attribute_map_username = %q\n", config.UserMapping))
	}

	providerConfig.WriteString("}\n")
	return providerConfig.String()
}
