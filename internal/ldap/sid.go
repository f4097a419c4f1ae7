package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// ConvertBinarySIDToString converts a binary SID to its string representation.
// Active Directory stores objectSid as binary data that needs conversion to S-1-5-21-... format.
func ConvertBinarySIDToString(binarySID []byte) (string, error) {
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}

	sid := objectsid.Decode(binarySID)
	return sid.String(), nil
}

// ExtractSID extracts the objectSid from an LDAP entry and returns it as a string.
// Entries built from string values (as returned by test directories) are passed through.
func ExtractSID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	raw := entry.GetRawAttributeValue("objectSid")
	if len(raw) == 0 {
		return "", fmt.Errorf("objectSid attribute not found in entry")
	}
	if len(raw) > 2 && raw[0] == 'S' && raw[1] == '-' {
		return string(raw), nil
	}

	return ConvertBinarySIDToString(raw)
}

// GUIDBytesToUUID converts Active Directory mixed-endian GUID bytes to a UUID.
func GUIDBytesToUUID(guidBytes []byte) (uuid.UUID, error) {
	if len(guidBytes) != 16 {
		return uuid.Nil, fmt.Errorf("invalid GUID byte length: expected 16, got %d", len(guidBytes))
	}

	standard := make([]byte, 16)

	// Data1, Data2 and Data3 are little-endian; Data4 keeps its order.
	standard[0], standard[1], standard[2], standard[3] = guidBytes[3], guidBytes[2], guidBytes[1], guidBytes[0]
	standard[4], standard[5] = guidBytes[5], guidBytes[4]
	standard[6], standard[7] = guidBytes[7], guidBytes[6]
	copy(standard[8:], guidBytes[8:])

	return uuid.FromBytes(standard)
}

// ExtractGUID extracts objectGUID from an LDAP entry in its canonical string form.
func ExtractGUID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	raw := entry.GetRawAttributeValue("objectGUID")
	if len(raw) == 0 {
		return "", fmt.Errorf("objectGUID attribute not found in entry")
	}

	if len(raw) != 16 {
		if parsed, err := uuid.ParseBytes(raw); err == nil {
			return parsed.String(), nil
		}
	}

	id, err := GUIDBytesToUUID(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
