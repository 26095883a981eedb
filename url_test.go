package faciet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw     string
		network string
		address string
	}{
		{"tcp://127.0.0.1:3000", "tcp", "127.0.0.1:3000"},
		{"tcp://0.0.0.0:3000", "tcp", ":3000"},
		{"tcp://:8080", "tcp", ":8080"},
		{"127.0.0.1:9", "tcp", "127.0.0.1:9"},
		{"3000", "tcp", ":3000"},
		{"unix:///tmp/s.sock", "unix", "/tmp/s.sock"},
		{"/tmp/bare.sock", "unix", "/tmp/bare.sock"},
		{"./rel.sock", "unix", "./rel.sock"},
		{"tcp://[::1]:3000", "tcp", "[::1]:3000"},
	}
	for _, tc := range cases {
		network, address, err := parseURL(tc.raw)
		require.NoError(t, err, "url %q", tc.raw)
		assert.Equal(t, tc.network, network, "url %q", tc.raw)
		assert.Equal(t, tc.address, address, "url %q", tc.raw)
	}
}

func TestParseURLRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "no-port-here", "tcp://"} {
		_, _, err := parseURL(raw)
		assert.ErrorIs(t, err, ErrBadURL, "url %q", raw)
	}
}
