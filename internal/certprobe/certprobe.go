// Package certprobe reads the server's TLS certificate out-of-band from the
// dialect connection, by speaking just enough of each wire protocol to
// negotiate a raw TLS handshake. Unlike dialect.Connect, the verifier here
// is permissive by construction — this package exists to read certificate
// fields, not to enforce a security policy — and that verifier is scoped to
// a throwaway *tls.Config local to this file, never reused elsewhere.
package certprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// ErrorType classifies a probe failure for the tls_cert_probe_errors_total
// counter.
type ErrorType string

const (
	ErrorConnection ErrorType = "connection"
	ErrorHandshake  ErrorType = "handshake"
	ErrorParse      ErrorType = "parse"
	ErrorTimeout    ErrorType = "timeout"
)

// ProbeError wraps a probe failure with its classification.
type ProbeError struct {
	Type ErrorType
	Err  error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("certprobe: %s: %v", e.Type, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// Certificate is the subset of leaf-certificate fields dbpulse exposes.
type Certificate struct {
	Subject     string
	Issuer      string
	NotAfter    time.Time
	ExpiryDays  int64
	TLSVersion  string
	CipherSuite string
}

// Timeout is the hard cap on a single probe attempt, dial through
// handshake.
const Timeout = 5 * time.Second

// Probe performs the protocol-specific STARTTLS negotiation for driver
// ("postgres" or "mysql"), then a permissive TLS handshake, and extracts the
// leaf certificate's fields. now is passed in (rather than time.Now) so
// expiry-day computation is deterministic in tests.
func Probe(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, &ProbeError{Type: classifyDialError(ctx, err), Err: err}
	}
	defer raw.Close()

	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	switch driver {
	case "postgres":
		if err := negotiatePostgresSSL(raw); err != nil {
			return nil, err
		}
	case "mysql":
		if err := negotiateMySQLSSL(raw); err != nil {
			return nil, err
		}
	default:
		return nil, &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("unsupported driver %q", driver)}
	}

	tlsConn := tls.Client(raw, &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func([][]byte, [][]*x509.Certificate) error {
			return nil
		},
	})
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &ProbeError{Type: classifyDialError(ctx, err), Err: err}
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, &ProbeError{Type: ErrorParse, Err: fmt.Errorf("no peer certificate presented")}
	}
	leaf := state.PeerCertificates[0]

	return &Certificate{
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotAfter:    leaf.NotAfter,
		ExpiryDays:  daysUntil(leaf.NotAfter, now),
		TLSVersion:  tlsVersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}, nil
}

// daysUntil returns floor((notAfter - now) / 24h), so a certificate that
// expired less than a day ago already reports -1.
func daysUntil(notAfter, now time.Time) int64 {
	d := notAfter.Sub(now)
	days := int64(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

func classifyDialError(ctx context.Context, err error) ErrorType {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrorTimeout
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrorTimeout
	}
	return ErrorConnection
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}

// negotiatePostgresSSL sends the SSLRequest startup packet (length 8, code
// 80877103 i.e. 0x04D2162F) and expects a single 'S' byte back before the
// caller proceeds to a TLS handshake. A response of 'N' means the server
// declined TLS, which this package reports as a handshake failure — there
// is no certificate to read.
func negotiatePostgresSSL(conn net.Conn) error {
	req := []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F}
	if _, err := conn.Write(req); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("write SSLRequest: %w", err)}
	}

	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("read SSLRequest response: %w", err)}
	}
	switch resp[0] {
	case 'S':
		return nil
	case 'N':
		return &ProbeError{Type: ErrorHandshake, Err: fmt.Errorf("server declined TLS")}
	default:
		return &ProbeError{Type: ErrorParse, Err: fmt.Errorf("unexpected SSLRequest response byte %q", resp[0])}
	}
}

// MySQL capability flag bit for CLIENT_SSL, per the protocol's initial
// handshake packet.
const clientSSL = 0x00000800

// negotiateMySQLSSL reads the server's initial handshake packet, checks the
// CLIENT_SSL capability bit, and sends a minimal SSL request packet
// mirroring the capability flags the server advertised plus CLIENT_SSL —
// enough to make the server switch to TLS without completing the rest of
// the authentication handshake, since this package never logs in.
func negotiateMySQLSSL(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("read handshake header: %w", err)}
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seq := header[3]

	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("read handshake payload: %w", err)}
	}

	capLower, capUpper, err := parseMySQLCapabilities(payload)
	if err != nil {
		return &ProbeError{Type: ErrorParse, Err: err}
	}
	caps := uint32(capLower) | uint32(capUpper)<<16
	if caps&clientSSL == 0 {
		return &ProbeError{Type: ErrorHandshake, Err: fmt.Errorf("server did not advertise CLIENT_SSL")}
	}

	// SSLRequest packet: capability flags (4) + max packet size (4) +
	// charset (1) + 23 reserved bytes, sequence id = server's + 1.
	const clientProtocol41 = 0x00000200
	sslRequestCaps := caps | clientSSL | clientProtocol41
	pkt := make([]byte, 32)
	binary.LittleEndian.PutUint32(pkt[0:4], uint32(sslRequestCaps))
	binary.LittleEndian.PutUint32(pkt[4:8], 1<<24-1)
	pkt[8] = 33 // utf8mb4_general_ci

	framed := make([]byte, 4+len(pkt))
	framed[0] = byte(len(pkt))
	framed[1] = byte(len(pkt) >> 8)
	framed[2] = byte(len(pkt) >> 16)
	framed[3] = seq + 1
	copy(framed[4:], pkt)

	if _, err := conn.Write(framed); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: fmt.Errorf("write SSLRequest: %w", err)}
	}
	return nil
}

// parseMySQLCapabilities extracts the lower and upper 16 bits of the
// server's capability flags from the initial handshake packet, skipping
// over the protocol version, server version string, connection id, and
// auth-plugin-data fields that precede them.
func parseMySQLCapabilities(payload []byte) (lower, upper uint16, err error) {
	if len(payload) < 1 {
		return 0, 0, fmt.Errorf("short handshake payload")
	}
	i := 1 // protocol version byte

	nul := indexByte(payload[i:], 0)
	if nul < 0 {
		return 0, 0, fmt.Errorf("unterminated server version string")
	}
	i += nul + 1

	i += 4 // connection id
	if i+9 > len(payload) {
		return 0, 0, fmt.Errorf("short handshake payload before auth-plugin-data")
	}
	i += 8 // auth-plugin-data-part-1
	i += 1 // filler byte

	if i+2 > len(payload) {
		return 0, 0, fmt.Errorf("short handshake payload before capability flags")
	}
	lower = uint16(payload[i]) | uint16(payload[i+1])<<8
	i += 2

	if i+1 > len(payload) {
		return lower, 0, nil
	}
	i += 1 // character set
	if i+2 > len(payload) {
		return lower, 0, nil
	}
	i += 2 // status flags
	if i+2 > len(payload) {
		return lower, 0, nil
	}
	upper = uint16(payload[i]) | uint16(payload[i+1])<<8

	return lower, upper, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
