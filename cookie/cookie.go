// Package cookie implements the stateless anti-spoofing cookie exchange
// of RFC 6347, section 4.2.1.
//
// UDP return addresses are trivially forged, so before any per-peer state
// is allocated an incoming ClientHello has to prove that its sender can
// also receive packets at the claimed address. The server answers the
// first ClientHello with a HelloVerifyRequest carrying a magic cookie,
// and only a second ClientHello echoing a valid cookie is accepted.
//
// The cookie is an HMAC over the peer address and the ClientHello body,
// keyed with a per-endpoint secret, mixed with a random salt and the
// current time rounded to 30 second buckets. Validation recomputes the
// HMAC for the current and the previous bucket, so every cookie is good
// for at least 30 and at most 60 seconds. No peer-specific state is kept
// on the server side, and nobody without the key can forge a cookie.
//
// The exact signable byte format is a contract between MakeCookie and
// Valid within one process only; cookies are never persisted or shared.
package cookie

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/muxtls/dtls-go/wire"
)

const (
	// KeyBytes is the width of an endpoint's cookie signing key.
	KeyBytes = 32

	// SaltBytes is the width of the random salt prefixing each cookie.
	SaltBytes = 8

	// CookieLength is the total cookie width: salt plus truncated HMAC.
	// 32 bytes was the maximum cookie length in DTLS 1.0 and remains
	// plenty; the 24 truncated HMAC bytes still carry 192 bit security.
	CookieLength = 32

	// RefreshInterval is the width of one cookie time bucket.
	RefreshInterval = 30 * time.Second
)

// timeNow is swapped out by tests to steer the bucket clock.
var timeNow = time.Now

// NewKey generates a fresh cookie signing key. An endpoint generates one
// lazily on its first ClientHello and keeps it for the process lifetime.
func NewKey() ([]byte, error) {
	key := make([]byte, KeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// CurrentTick returns the current cookie time bucket.
func CurrentTick() uint64 {
	return uint64(timeNow().UnixNano() / int64(RefreshInterval))
}

// signable deterministically serializes fields for signing: each field is
// prefixed with its length as an 8-byte big-endian integer.
func signable(fields ...[]byte) []byte {
	var out []byte
	for _, field := range fields {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(field)))
		out = append(out, l[:]...)
		out = append(out, field...)
	}
	return out
}

// addressBits packs the variable-length address components into a single
// nested signable field.
func addressBits(addr *net.UDPAddr) []byte {
	return signable(
		[]byte(addr.IP.String()),
		[]byte(strconv.Itoa(addr.Port)),
		[]byte(addr.Zone),
	)
}

// MakeCookie computes the cookie for one salt, time bucket, peer address
// and ClientHello fingerprint. Deterministic.
func MakeCookie(key, salt []byte, tick uint64, addr *net.UDPAddr, clientHelloBits []byte) []byte {
	var tickBytes [8]byte
	binary.BigEndian.PutUint64(tickBytes[:], tick)

	mac := hmac.New(sha256.New, key)
	mac.Write(signable(salt, tickBytes[:], addressBits(addr), clientHelloBits))

	cookie := append(append([]byte{}, salt...), mac.Sum(nil)...)
	return cookie[:CookieLength]
}

// Valid checks a cookie echoed by a peer against the current and the
// previous time bucket. Both comparisons run in constant time and their
// results are combined without a secret-dependent branch.
func Valid(key, cookie []byte, addr *net.UDPAddr, clientHelloBits []byte) bool {
	if len(cookie) <= SaltBytes {
		return false
	}
	salt := cookie[:SaltBytes]

	tick := CurrentTick()
	oldTick := tick
	if oldTick > 0 {
		oldTick--
	}

	curCookie := MakeCookie(key, salt, tick, addr, clientHelloBits)
	oldCookie := MakeCookie(key, salt, oldTick, addr, clientHelloBits)

	ok := subtle.ConstantTimeCompare(cookie, curCookie)
	ok |= subtle.ConstantTimeCompare(cookie, oldCookie)
	return ok == 1
}

// Challenge builds the HelloVerifyRequest datagram answering an
// unverified ClientHello, carrying a fresh cookie.
//
// The version fields are fixed at DTLS 1.0 as RFC 6347 demands for this
// particular message (the conflicting statement in the RFC is an
// erratum, eid 4103). The record sequence number is copied from the
// peer's ClientHello and the message sequence number is zero, matching
// what OpenSSL puts on the wire.
func Challenge(key []byte, addr *net.UDPAddr, epochSeqno uint64, clientHelloBits []byte) ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	c := MakeCookie(key, salt, CurrentTick(), addr, clientHelloBits)

	// HelloVerifyRequest body: 2 bytes version, length-prefixed cookie.
	body := make([]byte, 0, 2+1+len(c))
	body = append(body, wire.VersionDTLS10[:]...)
	body = append(body, byte(len(c)))
	body = append(body, c...)

	payload := wire.EncodeHandshakeFragment(wire.HandshakeFragment{
		MsgType:    wire.HandshakeHelloVerifyRequest,
		MsgLen:     uint32(len(body)),
		MsgSeq:     0,
		FragOffset: 0,
		FragLen:    uint32(len(body)),
		Frag:       body,
	})

	return wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentHandshake,
		Version:     wire.VersionDTLS10,
		EpochSeqno:  epochSeqno,
		Payload:     payload,
	}), nil
}
