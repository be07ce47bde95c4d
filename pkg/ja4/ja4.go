// Package ja4 computes JA4 client fingerprints from parsed ClientHellos.
//
// Format: t<version><d|i><ciphers:02><extensions:02><alpn>_<hash12>_<hash12>
// Example: t13d1516h2_8daaf6152771_e5627efa2ab1
package ja4

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"tlslb/pkg/clienthello"
)

// MaxLen is the longest fingerprint Calculate can produce.
const MaxLen = 37

const maxCount = 99

// Fingerprint is a JA4 string.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Calculate returns the JA4 fingerprint of h. Cipher suites and extensions
// are sorted before hashing, so their wire order does not matter. SNI and
// ALPN extension types count towards the extension total but are left out
// of the extension hash.
func Calculate(h *clienthello.ClientHello) Fingerprint {
	ciphers := slices.Clone(h.CipherSuites)
	slices.Sort(ciphers)

	exts := make([]uint16, 0, len(h.Extensions))
	for _, ext := range h.Extensions {
		if ext == clienthello.ExtServerName || ext == clienthello.ExtALPN {
			continue
		}
		exts = append(exts, ext)
	}
	slices.Sort(exts)

	sni := "i"
	if h.HasSNI {
		sni = "d"
	}
	alpn := "00"
	if len(h.ALPN) > 0 {
		alpn = FormatALPN(h.ALPN[0])
	}

	var b strings.Builder
	b.Grow(MaxLen)
	fmt.Fprintf(&b, "t%s%s%02d%02d%s",
		FormatVersion(h.TLSVersion),
		sni,
		min(len(h.CipherSuites), maxCount),
		min(len(h.Extensions), maxCount),
		alpn,
	)
	b.WriteByte('_')
	b.WriteString(Hash12(HexList(ciphers)))
	b.WriteByte('_')
	b.WriteString(Hash12(HexList(exts) + "_" + HexList(h.SignatureAlgorithms)))
	return Fingerprint(b.String())
}

// Hash12 returns the first 12 lower-case hex characters of the SHA-256
// digest of s.
func Hash12(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

// HexList renders vals as comma separated 4-digit lower-case hex groups.
func HexList(vals []uint16) string {
	if len(vals) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(vals)*5 - 1)
	var buf [2]byte
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(',')
		}
		buf[0], buf[1] = byte(v>>8), byte(v)
		b.WriteString(hex.EncodeToString(buf[:]))
	}
	return b.String()
}

// FormatVersion maps a protocol version to its two character JA4 code.
func FormatVersion(v uint16) string {
	switch v {
	case 0x0304:
		return "13"
	case 0x0303:
		return "12"
	case 0x0302:
		return "11"
	case 0x0301:
		return "10"
	case 0x0300:
		return "s3"
	case 0x0002:
		return "s2"
	case 0xfeff:
		return "d1"
	case 0xfefd:
		return "d2"
	case 0xfefc:
		return "d3"
	default:
		return "00"
	}
}

// FormatALPN returns the JA4 ALPN code of a protocol name: the first and
// last byte for names longer than two bytes, the name itself otherwise, and
// "99" when those bytes are not printable ASCII.
func FormatALPN(proto []byte) string {
	if len(proto) == 0 {
		return "00"
	}
	tag := proto
	if len(proto) > 2 {
		tag = []byte{proto[0], proto[len(proto)-1]}
	}
	for _, c := range tag {
		if c < 0x20 || c > 0x7e {
			return "99"
		}
	}
	return string(tag)
}
