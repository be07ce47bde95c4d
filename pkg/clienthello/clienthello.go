// Package clienthello decodes the plaintext TLS ClientHello that opens every
// TLS connection. The parser is bounded: every list in the handshake has a
// fixed capacity and input that exceeds it is rejected instead of truncated.
package clienthello

// Capacities of the bounded lists in a ClientHello.
const (
	MaxCipherSuites        = 128
	MaxExtensions          = 128
	MaxSignatureAlgorithms = 30
	MaxALPNProtocols       = 4
)

const (
	recordTypeHandshake      uint8 = 22
	handshakeTypeClientHello uint8 = 1
	sniNameTypeHostName      uint8 = 0
	randomLen                      = 32
)

// Extension type identifiers the parser inspects.
const (
	ExtServerName           uint16 = 0x0000
	ExtSignatureAlgorithms  uint16 = 0x000d
	ExtALPN                 uint16 = 0x0010
	ExtSupportedVersions    uint16 = 0x002b
	ExtEncryptedClientHello uint16 = 0xfe0d
	ExtEncryptedServerName  uint16 = 0xffce
)

// ClientHello is the decoded form of a TLS ClientHello handshake message.
// All fields are owned copies; none of them alias the parsed buffer.
type ClientHello struct {
	// TLSVersion is the legacy client_version, replaced by the highest
	// non-GREASE entry of supported_versions when that extension is present.
	TLSVersion uint16
	// SNI is the first valid host_name of the server_name extension.
	SNI    string
	HasSNI bool
	// CipherSuites in wire order.
	CipherSuites []uint16
	// Extensions lists every extension type in wire order, SNI and ALPN included.
	Extensions          []uint16
	SignatureAlgorithms []uint16
	ALPN                [][]byte
	// EncryptedSNI is set when the client offered ESNI or ECH.
	EncryptedSNI bool
}

// ServerName returns the SNI host name and whether one was sent.
func (h *ClientHello) ServerName() (string, bool) {
	return h.SNI, h.HasSNI
}

// isGREASE reports whether v is one of the reserved GREASE values (RFC 8701).
func isGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}
