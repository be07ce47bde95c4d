// Package clienthellotest builds ClientHello records for tests.
package clienthellotest

import (
	"golang.org/x/crypto/cryptobyte"
)

// Hello describes a ClientHello to encode. Extensions lists extension types
// in wire order; SNI, ALPN, signature algorithms and supported versions get
// real payloads, every other type an empty one.
type Hello struct {
	Version             uint16
	ServerName          string
	CipherSuites        []uint16
	Extensions          []uint16
	SignatureAlgorithms []uint16
	ALPN                []string
	SupportedVersions   []uint16
	SessionID           []byte
}

// Default returns a TLS 1.3 style hello for the given server name.
func Default(serverName string) Hello {
	return Hello{
		Version:    0x0303,
		ServerName: serverName,
		CipherSuites: []uint16{
			0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xc02c, 0xc030,
			0xcca9, 0xcca8, 0xc013, 0xc014, 0x009c, 0x009d, 0x002f, 0x0035,
		},
		Extensions: []uint16{
			0x0000, 0x0017, 0xff01, 0x000a, 0x000b, 0x0023, 0x0010,
			0x0005, 0x000d, 0x0012, 0x0033, 0x002d, 0x002b, 0x001b,
		},
		SignatureAlgorithms: []uint16{
			0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601,
		},
		ALPN:              []string{"h2", "http/1.1"},
		SupportedVersions: []uint16{0x0304, 0x0303},
		SessionID:         make([]byte, 32),
	}
}

// Record encodes h as a complete TLS handshake record.
func (h Hello) Record() []byte {
	var b cryptobyte.Builder
	b.AddUint8(22)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.Handshake())
	})
	return b.BytesOrPanic()
}

// Handshake encodes h as a handshake message without the record header.
func (h Hello) Handshake() []byte {
	var b cryptobyte.Builder
	b.AddUint8(1)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(h.Version)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(h.SessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range h.CipherSuites {
				b.AddUint16(cs)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
		if h.Extensions == nil {
			return
		}
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range h.Extensions {
				b.AddUint16(ext)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					h.addPayload(b, ext)
				})
			}
		})
	})
	return b.BytesOrPanic()
}

func (h Hello) addPayload(b *cryptobyte.Builder, ext uint16) {
	switch ext {
	case 0x0000:
		if h.ServerName == "" {
			return
		}
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(h.ServerName))
			})
		})
	case 0x0010:
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, p := range h.ALPN {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(p))
				})
			}
		})
	case 0x000d:
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, alg := range h.SignatureAlgorithms {
				b.AddUint16(alg)
			}
		})
	case 0x002b:
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, v := range h.SupportedVersions {
				b.AddUint16(v)
			}
		})
	}
}
