package corproto

// Version is the protocol version spoken by this build.
const Version = "2.0"

// CheckVersion compares a worker's version with the one the master expects.
func CheckVersion(expected, actual string) error {
	if expected != actual {
		return &VersionMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// EncodeVersionHello is the first frame a worker sends on a new connection.
func EncodeVersionHello(version string) ([]byte, error) {
	return encode("encode version hello", Message{KeyProtocolVersion: version})
}

func DecodeVersionHello(data []byte) (string, error) {
	const op = "decode version hello"
	m, err := decode(op, data)
	if err != nil {
		return "", err
	}
	if err := requireKeys(op, m, KeyProtocolVersion); err != nil {
		return "", err
	}
	return m[KeyProtocolVersion], nil
}

func EncodeVersionAccept(version string) ([]byte, error) {
	return encode("encode version reply", Message{KeyProtocolVersion: version})
}

// EncodeVersionReject carries both versions so the worker can report the
// incompatibility precisely.
func EncodeVersionReject(expected, actual string) ([]byte, error) {
	mismatch := &VersionMismatchError{Expected: expected, Actual: actual}
	return encode("encode version reply", Message{
		KeyErrorMessage:    mismatch.Error(),
		KeyExpectedVersion: expected,
		KeyProtocolVersion: actual,
	})
}

// DecodeVersionReply returns nil if the master accepted the worker's version
// and a *VersionMismatchError if it did not.
func DecodeVersionReply(data []byte) error {
	const op = "decode version reply"
	m, err := decode(op, data)
	if err != nil {
		return err
	}
	if msg, rejected := m[KeyErrorMessage]; rejected {
		if requireKeys(op, m, KeyExpectedVersion, KeyProtocolVersion) != nil {
			return commErr(op, "%s: %s", ErrRejected, msg)
		}
		return &VersionMismatchError{Expected: m[KeyExpectedVersion], Actual: m[KeyProtocolVersion]}
	}
	return requireKeys(op, m, KeyProtocolVersion)
}
