// Package authmsg builds the canonical byte string signed by relay peers
// to prove possession of a device's private key.
package authmsg

// Domain is the fixed domain separator prefixed to every signed message.
// Changing it invalidates every previously issued signature.
const Domain = "ccbox-remote-auth:v1"

// Build returns UTF8(Domain) ‖ UTF8(kind) ‖ UTF8(deviceID) ‖ nonce.
//
// No delimiters or length prefixes are used: the domain separator plus
// the fixed UUID length of deviceID plus the fixed 32-byte nonce make
// prefix collisions impossible for valid inputs. The result must be
// bit-identical across every peer implementation.
func Build(kind, deviceID string, nonce []byte) []byte {
	buf := make([]byte, 0, len(Domain)+len(kind)+len(deviceID)+len(nonce))
	buf = append(buf, Domain...)
	buf = append(buf, kind...)
	buf = append(buf, deviceID...)
	buf = append(buf, nonce...)
	return buf
}
