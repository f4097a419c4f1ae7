package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrFastBindUnsupported is returned when a session cannot be switched into
// fast concurrent bind mode.
var ErrFastBindUnsupported = errors.New("fast concurrent bind not supported")

// ErrorCategory groups LDAP failures by how callers react to them.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// resultInfo describes one LDAP result code.
type resultInfo struct {
	category ErrorCategory
	message  string
}

var resultCodes = map[uint16]resultInfo{
	ldap.LDAPResultInvalidCredentials:          {ErrorCategoryAuthentication, "Invalid credentials"},
	ldap.LDAPResultInappropriateAuthentication: {ErrorCategoryAuthentication, "Inappropriate authentication method"},
	ldap.LDAPResultStrongAuthRequired:          {ErrorCategoryAuthentication, "Strong authentication required"},
	ldap.LDAPResultAuthMethodNotSupported:      {ErrorCategoryAuthentication, "Authentication method not supported"},

	ldap.LDAPResultInsufficientAccessRights: {ErrorCategoryPermission, "Insufficient access rights"},
	ldap.LDAPResultUnwillingToPerform:       {ErrorCategoryPermission, "Server is unwilling to perform the operation"},

	ldap.LDAPResultNoSuchObject:           {ErrorCategoryNotFound, "Requested object does not exist"},
	ldap.LDAPResultNoSuchAttribute:        {ErrorCategoryNotFound, "Requested attribute does not exist"},
	ldap.LDAPResultUndefinedAttributeType: {ErrorCategoryNotFound, "Undefined attribute type"},
	ldap.LDAPResultReferral:               {ErrorCategoryNotFound, "LDAP referral"},

	ldap.LDAPResultInvalidAttributeSyntax: {ErrorCategoryValidation, "Invalid attribute syntax"},
	ldap.LDAPResultConstraintViolation:    {ErrorCategoryValidation, "Constraint violation"},
	ldap.LDAPResultInvalidDNSyntax:        {ErrorCategoryValidation, "Invalid DN syntax"},
	ldap.LDAPResultNamingViolation:        {ErrorCategoryValidation, "Naming violation"},
	ldap.LDAPResultObjectClassViolation:   {ErrorCategoryValidation, "Object class violation"},

	ldap.LDAPResultServerDown:         {ErrorCategoryServer, "Server is down"},
	ldap.LDAPResultUnavailable:        {ErrorCategoryServer, "Server is unavailable"},
	ldap.LDAPResultBusy:               {ErrorCategoryServer, "Server is busy"},
	ldap.LDAPResultTimeLimitExceeded:  {ErrorCategoryServer, "LDAP time limit exceeded"},
	ldap.LDAPResultAdminLimitExceeded: {ErrorCategoryServer, "Administrative limit exceeded"},
	ldap.LDAPResultTimeout:            {ErrorCategoryServer, "Operation timed out"},
	ldap.LDAPResultConnectError:       {ErrorCategoryConnection, "Connection error"},
	ldap.LDAPResultProtocolError:      {ErrorCategoryConnection, "LDAP protocol error"},
	ldap.ErrorNetwork:                 {ErrorCategoryConnection, "Network error"},
}

// transportHints are substrings of non-LDAP errors that indicate a broken transport.
var transportHints = []string{"connection", "network", "timeout", "broken pipe", "tls"}

// LDAPError is a failed directory operation together with its LDAP result code.
type LDAPError struct {
	Operation string
	Category  ErrorCategory
	LDAPCode  uint16 // zero for transport failures outside the protocol
	Message   string
	ServerMsg string // diagnostic message returned by the server
	DN        string
	Cause     error
}

func (e *LDAPError) Error() string {
	var b strings.Builder

	b.WriteString("LDAP " + e.Operation + " failed")
	if e.LDAPCode > 0 {
		fmt.Fprintf(&b, " (code %d)", e.LDAPCode)
	}
	if e.Message != "" {
		b.WriteString(" - " + e.Message)
	}
	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		b.WriteString(" - server: " + e.ServerMsg)
	}
	if e.DN != "" {
		b.WriteString(" - DN: " + e.DN)
	}

	return b.String()
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError wraps err as the failure of operation. A nil err yields nil.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{Operation: operation, Cause: err}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
		return ldapErr
	}

	ldapErr.Category = categorizeGenericError(err)
	ldapErr.Message = err.Error()
	return ldapErr
}

// WrapError attaches operation to err unless it is already an *LDAPError
// with an operation of its own.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

func categorizeError(code uint16) ErrorCategory {
	if info, ok := resultCodes[code]; ok {
		return info.category
	}
	return ErrorCategoryUnknown
}

func categorizeGenericError(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())
	for _, hint := range transportHints {
		if strings.Contains(msg, hint) {
			return ErrorCategoryConnection
		}
	}
	return ErrorCategoryUnknown
}

func getLDAPCodeMessage(code uint16) string {
	if info, ok := resultCodes[code]; ok {
		return info.message
	}
	return fmt.Sprintf("LDAP error (code %d)", code)
}

// GetErrorCategory returns the category of err.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// resultCode extracts the LDAP result code from err, or 0.
func resultCode(err error) uint16 {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.LDAPCode != 0 {
		return ldapErr.LDAPCode
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode
	}
	return 0
}

// IsInvalidCredentials reports whether a bind was rejected because the
// credential is wrong (LDAP result 49).
func IsInvalidCredentials(err error) bool {
	return err != nil && resultCode(err) == ldap.LDAPResultInvalidCredentials
}

// IsServerUnavailable reports whether err means the server could not be
// reached or refused to serve the request on this transport.
func IsServerUnavailable(err error) bool {
	if err == nil {
		return false
	}
	switch resultCode(err) {
	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	}
	return GetErrorCategory(err) == ErrorCategoryConnection
}

func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}
