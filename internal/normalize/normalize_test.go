package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMAC(t *testing.T) {
	cases := map[string]string{
		"c8:df:84:34:ad:c0": "C8DF8434ADC0",
		"24-F5-AA-66-10-6E": "24F5AA66106E",
		" 24f5.aa66.106e ":  "24F5AA66106E",
		"":                  "",
		"C8DF8434ADC0":      "C8DF8434ADC0",
	}
	for in, want := range cases {
		assert.Equal(t, want, MAC(in), "input %q", in)
	}
}

func TestPacket(t *testing.T) {
	assert.Equal(t, "0064ffce00000d0a", Packet(" 0064FFCE00000D0A\r\n"))
	assert.Equal(t, "0064ffce00000d0a", Packet("b'0064ffce00000d0a'"))
	assert.Equal(t, "0064ffce00000d0a", Packet("0x0064 ffce 0000 0d0a"))
	assert.Equal(t, "zz", Packet("ZZ"))
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2021-08-01 10:20:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2021, ts.Year())
	assert.Equal(t, 30, ts.Second())

	ts, err = ParseTimestamp("1627813230", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1627813230), ts.Unix())

	_, err = ParseTimestamp("yesterday", time.UTC)
	assert.Error(t, err)
}

func TestParseTimestampZone(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	ts, err := ParseTimestamp("2021-08-01 10:20:30", cet)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 8, 1, 9, 20, 30, 0, time.UTC), ts.UTC())
	assert.Equal(t, "2021-08-01 10:20:30", ts.Format("2006-01-02 15:04:05"))

	ts, err = ParseTimestamp("2021-08-01T10:20:30Z", cet)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 8, 1, 10, 20, 30, 0, time.UTC), ts.UTC())

	ts, err = ParseTimestamp("2021-08-01 10:20:30", nil)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}
