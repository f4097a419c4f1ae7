package membership

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// User account control flags.
const (
	ufAccountDisable = 0x2
	ufLockout        = 0x10
)

// generalizedTimeLayouts are the forms whenCreated takes on AD and ADAM.
var generalizedTimeLayouts = []string{
	"20060102150405.0Z",
	"20060102150405Z",
}

// User is a directory account as seen by the membership provider.
type User struct {
	Username                string
	DN                      string
	SID                     string // provider user key
	GUID                    string
	Email                   string
	PasswordQuestion        string
	Comment                 string
	IsApproved              bool
	IsLockedOut             bool
	LastLockoutDate         time.Time
	CreationDate            time.Time
	LastPasswordChangedDate time.Time

	// SAMAccountName is only populated for AD.
	SAMAccountName string
}

// userSearchFilter builds the filter that finds one user by its mapped
// username attribute.
func userSearchFilter(dirType DirectoryType, attribute, value string) string {
	clause := fmt.Sprintf("(%s=%s)", attribute, ldapclient.EscapeFilterValue(value))
	if dirType == DirectoryTypeAD {
		return "(&(objectCategory=person)(objectClass=user)" + clause + ")"
	}
	return "(&(objectClass=user)" + clause + ")"
}

// userAttributes lists the attributes loaded for a user lookup.
func userAttributes(dirType DirectoryType, mapping *AttributeMapping) []string {
	attrs := []string{
		"objectSid",
		"objectGUID",
		"comment",
		"whenCreated",
		"pwdLastSet",
		"msDS-User-Account-Control-Computed",
		"lockoutTime",
		mapping.Username.Name,
	}
	if dirType == DirectoryTypeAD {
		attrs = append(attrs, "userAccountControl", "sAMAccountName")
	} else {
		attrs = append(attrs, "msDS-UserAccountDisabled")
	}
	for _, r := range []ResolvedAttribute{
		mapping.Email,
		mapping.PasswordQuestion,
		mapping.FailedAnswerCount,
		mapping.FailedAnswerTime,
		mapping.FailedAnswerLockoutTime,
	} {
		if r.IsSet() {
			attrs = append(attrs, r.Name)
		}
	}
	return attrs
}

// snapshotFromEntry reads the lockout inputs of an account.
func snapshotFromEntry(entry *ldap.Entry, mapping *AttributeMapping) (*AccountSnapshot, error) {
	snap := &AccountSnapshot{DN: entry.DN}

	if v := entry.GetAttributeValue("lockoutTime"); v != "" {
		t, err := ldapclient.ParseFileTime(v)
		if err != nil {
			return nil, fmt.Errorf("lockoutTime: %w", err)
		}
		snap.NativeLockoutTime = t
	}
	if v := entry.GetAttributeValue("msDS-User-Account-Control-Computed"); v != "" {
		flags, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("msDS-User-Account-Control-Computed: %w", err)
		}
		locked := flags&ufLockout != 0
		snap.NativeLocked = &locked
	}

	if mapping.FailedAnswerCount.IsSet() {
		if v := entry.GetAttributeValue(mapping.FailedAnswerCount.Name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", mapping.FailedAnswerCount.Name, err)
			}
			snap.Answer.FailedCount = n
		}
	}
	for _, f := range []struct {
		attr ResolvedAttribute
		dst  *time.Time
	}{
		{mapping.FailedAnswerTime, &snap.Answer.LastFailure},
		{mapping.FailedAnswerLockoutTime, &snap.Answer.LockedOutAt},
	} {
		if !f.attr.IsSet() {
			continue
		}
		if v := entry.GetAttributeValue(f.attr.Name); v != "" {
			t, err := ldapclient.ParseFileTime(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.attr.Name, err)
			}
			*f.dst = t
		}
	}

	return snap, nil
}

// userFromEntry builds a User. Lockout fields are filled in by the caller.
func userFromEntry(entry *ldap.Entry, dirType DirectoryType, mapping *AttributeMapping) (*User, error) {
	u := &User{
		Username: entry.GetAttributeValue(mapping.Username.Name),
		DN:       entry.DN,
		Comment:  entry.GetAttributeValue("comment"),
	}

	sid, err := ldapclient.ExtractSID(entry)
	if err != nil {
		return nil, err
	}
	u.SID = sid

	if guid, err := ldapclient.ExtractGUID(entry); err == nil {
		u.GUID = guid
	}

	if mapping.Email.IsSet() {
		u.Email = entry.GetAttributeValue(mapping.Email.Name)
	}
	if mapping.PasswordQuestion.IsSet() {
		u.PasswordQuestion = entry.GetAttributeValue(mapping.PasswordQuestion.Name)
	}

	switch dirType {
	case DirectoryTypeAD:
		u.SAMAccountName = entry.GetAttributeValue("sAMAccountName")
		uac, err := strconv.ParseInt(entry.GetAttributeValue("userAccountControl"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("userAccountControl: %w", err)
		}
		u.IsApproved = uac&ufAccountDisable == 0
	default:
		u.IsApproved = !strings.EqualFold(entry.GetAttributeValue("msDS-UserAccountDisabled"), "TRUE")
	}

	if v := entry.GetAttributeValue("whenCreated"); v != "" {
		t, err := parseGeneralizedTime(v)
		if err != nil {
			return nil, fmt.Errorf("whenCreated: %w", err)
		}
		u.CreationDate = t
	}
	if v := entry.GetAttributeValue("pwdLastSet"); v != "" {
		t, err := ldapclient.ParseFileTime(v)
		if err != nil {
			return nil, fmt.Errorf("pwdLastSet: %w", err)
		}
		u.LastPasswordChangedDate = t
	}

	return u, nil
}

func parseGeneralizedTime(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range generalizedTimeLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
