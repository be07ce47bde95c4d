// Package ipdb maps client addresses to the autonomous system announcing
// them. The table is loaded once and is read-only afterwards.
package ipdb

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/gaissmai/bart"
)

// Database is a longest-prefix-match table from route to ASN.
type Database struct {
	routes bart.Table[uint32]
	size   int
}

// Load reads "prefix asn" lines from r. Blank lines and lines starting
// with # are ignored.
func Load(r io.Reader) (*Database, error) {
	db := &Database{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		route, asnRaw, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("line %d: line is not split by route and ASN", lineNo)
		}
		prefix, err := netip.ParsePrefix(route)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		asn, err := strconv.ParseUint(strings.TrimSpace(asnRaw), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid ASN %q", lineNo, asnRaw)
		}

		db.routes.Insert(prefix.Masked(), uint32(asn))
		db.size++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// LoadFile loads a database from path.
func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	db, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// Lookup returns the ASN of the most specific route covering addr.
// IPv4-mapped IPv6 addresses are matched against IPv4 routes.
func (db *Database) Lookup(addr netip.Addr) (uint32, bool) {
	if db == nil || !addr.IsValid() {
		return 0, false
	}
	return db.routes.Lookup(addr.Unmap())
}

// Len returns the number of routes loaded.
func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return db.size
}
