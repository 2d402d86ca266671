package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MAC strips separator characters from a hardware address and upper-cases it,
// so "c8:df:84:34:ad:c0" and "C8-DF-84-34-AD-C0" both become "C8DF8434ADC0".
func MAC(mac string) string {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(mac))
	for _, r := range mac {
		switch r {
		case ':', '-', '.', ' ', '\t':
			continue
		}
		if r >= 'a' && r <= 'z' {
			r = r - 'a' + 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Packet cleans a hex notification as captured by a bridge: surrounding
// whitespace, a 0x prefix, the b'...' wrapper of hexlify dumps and inner
// spaces are removed, and the digits are lower-cased. Non-hex characters are
// kept so that the decoder can reject the packet.
func Packet(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "b'") && strings.HasSuffix(s, "'") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if strings.ContainsAny(s, " \t") {
		s = strings.Join(strings.Fields(s), "")
	}
	return strings.ToLower(s)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC 3339, "YYYY-MM-DD hh:mm:ss" variants and unix
// seconds or milliseconds. Values without a zone are read in loc (UTC when
// nil).
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
