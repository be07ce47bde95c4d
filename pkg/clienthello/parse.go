package clienthello

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
)

// Parse decodes the first TLS record in b as a ClientHello. Bytes following
// the record are ignored. Parse never panics; every failure is an *Error.
func Parse(b []byte) (*ClientHello, error) {
	s := cryptobyte.String(b)

	var contentType uint8
	if !s.ReadUint8(&contentType) {
		return nil, incomplete("record header")
	}
	if contentType != recordTypeHandshake {
		return nil, notClientHello("record content type")
	}
	var recordVersion, recordLen uint16
	if !s.ReadUint16(&recordVersion) || !s.ReadUint16(&recordLen) {
		return nil, incomplete("record header")
	}
	var record cryptobyte.String
	if !s.ReadBytes((*[]byte)(&record), int(recordLen)) {
		return nil, incomplete("record payload")
	}

	var msgType uint8
	if !record.ReadUint8(&msgType) {
		return nil, malformed("handshake header")
	}
	if msgType != handshakeTypeClientHello {
		return nil, notClientHello("handshake type")
	}
	var body cryptobyte.String
	if !record.ReadUint24LengthPrefixed(&body) {
		return nil, incomplete("handshake message")
	}

	return parseBody(body)
}

func parseBody(body cryptobyte.String) (*ClientHello, error) {
	h := &ClientHello{}

	if !body.ReadUint16(&h.TLSVersion) || !body.Skip(randomLen) {
		return nil, malformed("client version and random")
	}
	var sessionID cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&sessionID) {
		return nil, malformed("session id")
	}

	var suites cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&suites) || len(suites)%2 != 0 {
		return nil, malformed("cipher suites")
	}
	var err error
	if h.CipherSuites, err = readUint16List(suites, MaxCipherSuites, "cipher suites"); err != nil {
		return nil, err
	}

	var compression cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&compression) {
		return nil, malformed("compression methods")
	}

	// Pre-TLS 1.2 clients may omit the extensions block entirely.
	if body.Empty() {
		return h, nil
	}
	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) {
		return nil, malformed("extensions")
	}
	if err := h.parseExtensions(exts); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ClientHello) parseExtensions(exts cryptobyte.String) error {
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return malformed("extension header")
		}
		if len(h.Extensions) == MaxExtensions {
			return oversized("extensions", MaxExtensions)
		}
		h.Extensions = append(h.Extensions, typ)

		switch typ {
		case ExtServerName:
			if h.HasSNI {
				continue
			}
			// A broken server_name payload only means there is no SNI.
			h.SNI, h.HasSNI = parseServerName(data)
		case ExtALPN:
			if err := h.parseALPN(data); err != nil {
				return err
			}
		case ExtSignatureAlgorithms:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) || len(list)%2 != 0 {
				return malformed("signature algorithms")
			}
			algs, err := readUint16List(list, MaxSignatureAlgorithms, "signature algorithms")
			if err != nil {
				return err
			}
			h.SignatureAlgorithms = algs
		case ExtSupportedVersions:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) || len(list)%2 != 0 {
				return malformed("supported versions")
			}
			if v, ok := highestVersion(list); ok {
				h.TLSVersion = v
			}
		case ExtEncryptedServerName, ExtEncryptedClientHello:
			h.EncryptedSNI = true
		}
	}
	return nil
}

func parseServerName(data cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return "", false
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", false
		}
		if nameType != sniNameTypeHostName || len(name) == 0 || !utf8.Valid(name) {
			continue
		}
		return string(name), true
	}
	return "", false
}

func (h *ClientHello) parseALPN(data cryptobyte.String) error {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return malformed("alpn")
	}
	h.ALPN = h.ALPN[:0]
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) {
			return malformed("alpn protocol")
		}
		if len(h.ALPN) == MaxALPNProtocols {
			return oversized("alpn", MaxALPNProtocols)
		}
		h.ALPN = append(h.ALPN, bytes.Clone(proto))
	}
	return nil
}

// readUint16List decodes an even-length run of big-endian uint16 values.
func readUint16List(s cryptobyte.String, limit int, field string) ([]uint16, error) {
	n := len(s) / 2
	if n > limit {
		return nil, oversized(field, limit)
	}
	out := make([]uint16, 0, n)
	for !s.Empty() {
		var v uint16
		if !s.ReadUint16(&v) {
			return nil, malformed(field)
		}
		out = append(out, v)
	}
	return out, nil
}

func highestVersion(list cryptobyte.String) (uint16, bool) {
	var best uint16
	found := false
	for !list.Empty() {
		var v uint16
		if !list.ReadUint16(&v) {
			break
		}
		if isGREASE(v) {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}
