package membership

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by provider operations.
var (
	ErrConfiguration         = errors.New("invalid membership provider configuration")
	ErrNotInitialized        = errors.New("membership provider is not initialized")
	ErrUserNotFound          = errors.New("user not found")
	ErrAccountLockedOut      = errors.New("account is locked out")
	ErrPasswordResetDisabled = errors.New("password reset is not enabled")
	ErrPasswordPolicy        = errors.New("password does not meet the policy")
)

// ConfigurationError reports malformed settings or an unusable directory layout.
type ConfigurationError struct {
	Setting string
	Reason  string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Setting != "" {
		fmt.Fprintf(&b, " in %s", e.Setting)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configError(setting, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Reason: fmt.Sprintf(format, args...)}
}

// AuthorityUnreachableError reports that no protection/mechanism combination
// could bind to the server.
type AuthorityUnreachableError struct {
	Server     string
	Protection string // last protection mode attempted
	Cause      error
}

func (e *AuthorityUnreachableError) Error() string {
	msg := fmt.Sprintf("unable to establish a secure connection to %s", e.Server)
	if e.Protection != "" {
		msg += fmt.Sprintf(" (last attempt: %s)", e.Protection)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthorityUnreachableError) Unwrap() error { return e.Cause }

// UnsupportedDirectoryError reports a directory or directory/protection
// combination the provider cannot work with.
type UnsupportedDirectoryError struct {
	Reason string
}

func (e *UnsupportedDirectoryError) Error() string {
	return "unsupported directory: " + e.Reason
}

// ContainerNotFoundError reports a container that could not be resolved.
type ContainerNotFoundError struct {
	Container string
	Cause     error
}

func (e *ContainerNotFoundError) Error() string {
	msg := fmt.Sprintf("container %q not found", e.Container)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ContainerNotFoundError) Unwrap() error { return e.Cause }

func (e *ContainerNotFoundError) Is(target error) bool { return target == ErrConfiguration }

// InvalidSuperiorError reports a container that cannot hold user objects.
type InvalidSuperiorError struct {
	Container     string
	ObjectClasses []string
}

func (e *InvalidSuperiorError) Error() string {
	return fmt.Sprintf("container %q (object classes %s) cannot contain user objects",
		e.Container, strings.Join(e.ObjectClasses, ", "))
}

func (e *InvalidSuperiorError) Is(target error) bool { return target == ErrConfiguration }

// MappingError reports an attribute mapping rejected against the schema.
type MappingError struct {
	Mapping   string
	Attribute string
	Reason    string
	Cause     error
}

func (e *MappingError) Error() string {
	msg := fmt.Sprintf("invalid attribute mapping %s", e.Mapping)
	if e.Attribute != "" {
		msg += fmt.Sprintf("=%q", e.Attribute)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MappingError) Unwrap() error { return e.Cause }
