package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

type logLevel int

const (
	levelTrace logLevel = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

// eventLevels maps well-known events to the level they are logged at.
// Unlisted events log at debug.
var eventLevels = map[string]logLevel{
	// ldap: connections
	"connection_attempt":     levelDebug,
	"connection_established": levelInfo,
	"fast_bind_enabled":      levelInfo,
	"connection_failed":      levelWarn,
	"connection_lost":        levelWarn,

	// ldap: session pool
	"session_acquired":  levelTrace,
	"session_released":  levelTrace,
	"session_discarded": levelTrace,
	"pool_full":         levelWarn,
	"bind_failed":       levelWarn,

	// kerberos
	"principal_resolved":    levelDebug,
	"credentials_cached":    levelInfo,
	"keytab_loaded":         levelInfo,
	"authentication_failed": levelError,
}

func logAt(ctx context.Context, subsystem string, level logLevel, msg string, fields map[string]any) {
	switch level {
	case levelTrace:
		tflog.SubsystemTrace(ctx, subsystem, msg, fields)
	case levelInfo:
		tflog.SubsystemInfo(ctx, subsystem, msg, fields)
	case levelWarn:
		tflog.SubsystemWarn(ctx, subsystem, msg, fields)
	case levelError:
		tflog.SubsystemError(ctx, subsystem, msg, fields)
	default:
		tflog.SubsystemDebug(ctx, subsystem, msg, fields)
	}
}

func logEvent(ctx context.Context, subsystem, msg, event string, fields map[string]any) {
	entry := SanitizeFields(fields)
	entry["event"] = event

	level, ok := eventLevels[event]
	if !ok {
		level = levelDebug
	}
	logAt(ctx, subsystem, level, msg, entry)
}

// LogConnectionEvent logs a connection lifecycle event to the ldap subsystem.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, "ldap", "Connection event", event, fields)
}

// LogPoolEvent logs a session pool event to the ldap subsystem.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, "ldap", "Pool event", event, fields)
}

// LogKerberosEvent logs a GSSAPI bind event to the kerberos subsystem.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, "kerberos", "Kerberos event", event, fields)
}

// LogOperation runs fn and logs its outcome and duration.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entry := SanitizeFields(fields)
	entry["operation"] = operation
	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", entry)

	err := fn()

	entry["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		entry["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", entry)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed", entry)
	}

	return err
}

// LogLDAPError logs err with its category and, when present, the LDAP
// result code and server diagnostic.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	entry := SanitizeFields(fields)
	entry["operation"] = operation
	entry["error"] = err.Error()
	entry["category"] = string(GetErrorCategory(err))

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		entry["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			entry["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			entry["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", entry)
}

var sensitiveKeys = map[string]bool{
	"password":            true,
	"passwd":              true,
	"secret":              true,
	"credential":          true,
	"password_answer":     true,
	"connection_password": true,
}

var sensitivePatterns = []string{"password=", "passwd=", "secret="}

// SanitizeFields returns a copy of fields with secrets redacted. A nil map
// yields an empty one.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// LogDataSourceOperation logs entry to a data source operation and returns
// the function that logs its exit.
func LogDataSourceOperation(ctx context.Context, dataSource, operation string, fields map[string]any) func(error) {
	return logFrameworkOperation(ctx, "data_source", dataSource, operation, fields)
}

// LogEphemeralOperation is LogDataSourceOperation for ephemeral resources.
func LogEphemeralOperation(ctx context.Context, resource, operation string, fields map[string]any) func(error) {
	return logFrameworkOperation(ctx, "ephemeral_resource", resource, operation, fields)
}

func logFrameworkOperation(ctx context.Context, kind, name, operation string, fields map[string]any) func(error) {
	start := time.Now()

	entry := SanitizeFields(fields)
	entry[kind] = name
	entry["operation"] = operation

	tflog.SubsystemDebug(ctx, "provider", "Starting "+kind+" operation", entry)

	return func(err error) {
		exit := maps.Clone(entry)
		exit["duration_ms"] = time.Since(start).Milliseconds()
		exit["has_error"] = err != nil

		if err != nil {
			exit["error"] = err.Error()
			tflog.SubsystemError(ctx, "provider", kind+" operation failed", exit)
		} else {
			tflog.SubsystemDebug(ctx, "provider", kind+" operation completed", exit)
		}
	}
}
