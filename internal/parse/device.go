package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var deviceIDRe = regexp.MustCompile(`(?i)^([a-z0-9]+(?:-[a-z0-9]+)*?)-([0-9a-f]{12})$`)

// ParsedDeviceID holds the structured data parsed from a smart-plug
// identifier such as "shellyplus1pm-a8032ab12345".
type ParsedDeviceID struct {
	Model string
	MAC   string
}

// ParseDeviceID extracts the hardware model and MAC address from a raw
// device identifier. Relay devices re-registered under a new cloud account
// keep their MAC, which lets sessions be re-matched after a rename.
func ParseDeviceID(raw string) (ParsedDeviceID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ParsedDeviceID{}, fmt.Errorf("empty device id")
	}

	m := deviceIDRe.FindStringSubmatch(s)
	if m == nil {
		return ParsedDeviceID{}, fmt.Errorf("unable to parse device id: %q", raw)
	}
	return ParsedDeviceID{Model: m[1], MAC: m[2]}, nil
}

// SameDevice reports whether two identifiers refer to the same physical
// plug, comparing MACs when both parse and falling back to an exact match.
func SameDevice(a, b string) bool {
	pa, errA := ParseDeviceID(a)
	pb, errB := ParseDeviceID(b)
	if errA == nil && errB == nil {
		return pa.MAC == pb.MAC
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
