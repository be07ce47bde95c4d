package ipdb

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const table = `
# documentation ranges
192.0.2.0/24 64496
198.51.100.0/24 64497
198.51.100.128/25 64498

2001:db8::/32 64499
2001:db8:1::/48 64500
`

func TestLookup(t *testing.T) {
	db, err := Load(strings.NewReader(table))
	require.NoError(t, err)
	require.Equal(t, 5, db.Len())

	tests := []struct {
		addr  string
		asn   uint32
		found bool
	}{
		{"192.0.2.1", 64496, true},
		{"198.51.100.1", 64497, true},
		{"198.51.100.200", 64498, true},
		{"::ffff:198.51.100.200", 64498, true},
		{"2001:db8::1", 64499, true},
		{"2001:db8:1::1", 64500, true},
		{"203.0.113.1", 0, false},
		{"2001:db9::1", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			asn, ok := db.Lookup(netip.MustParseAddr(tt.addr))
			require.Equal(t, tt.found, ok)
			require.Equal(t, tt.asn, asn)
		})
	}
}

func TestLookup_NilDatabase(t *testing.T) {
	var db *Database
	_, ok := db.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.False(t, ok)
	require.Zero(t, db.Len())
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  string
	}{
		{"missing asn", "192.0.2.0/24\n", "line 1"},
		{"bad prefix", "# header\n192.0.2.0/33 64496\n", "line 2"},
		{"bad asn", "192.0.2.0/24 AS64496\n", "line 1"},
		{"asn overflow", "\n\n192.0.2.0/24 4294967296\n", "line 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.line)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asn.txt")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o600))

	db, err := LoadFile(path)
	require.NoError(t, err)
	asn, ok := db.Lookup(netip.MustParseAddr("192.0.2.77"))
	require.True(t, ok)
	require.Equal(t, uint32(64496), asn)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
