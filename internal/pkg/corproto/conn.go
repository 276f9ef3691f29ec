package corproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds a single newline-delimited frame.
const MaxFrameSize = 16 * 1024 * 1024

// Conn exchanges newline-delimited JSON frames over a net.Conn.
type Conn struct {
	net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func NewConn(c net.Conn) *Conn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Conn{Conn: c, scanner: scanner}
}

// ReadFrame returns the next frame. A closed peer yields an error wrapping io.EOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, &CommunicationError{Op: "read frame", Err: err}
	}
	frame := c.scanner.Bytes()
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func (c *Conn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return commErr("write frame", "frame of %d bytes exceeds limit", len(frame))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := c.Conn.Write(buf); err != nil {
		return &CommunicationError{Op: "write frame", Err: err}
	}
	return nil
}

// Handshake runs the master side of the registration protocol. admit decides
// whether a decoded request is accepted and returns the confirmed clientID.
// On any failure a rejection is sent when possible and the error returned;
// the caller is expected to close the connection.
func Handshake(c *Conn, expectedVersion string, timeout time.Duration, admit func(Message) (string, error)) (Message, error) {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
		defer c.SetDeadline(time.Time{})
	}

	frame, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	version, err := DecodeVersionHello(frame)
	if err != nil {
		c.reject(err.Error())
		return nil, err
	}
	if err := CheckVersion(expectedVersion, version); err != nil {
		if reply, encErr := EncodeVersionReject(expectedVersion, version); encErr == nil {
			_ = c.WriteFrame(reply)
		}
		return nil, err
	}
	reply, err := EncodeVersionAccept(expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := c.WriteFrame(reply); err != nil {
		return nil, err
	}

	frame, err = c.ReadFrame()
	if err != nil {
		return nil, err
	}
	req, err := DecodeClientRequest(frame)
	if err != nil {
		c.reject(err.Error())
		return nil, err
	}

	clientID, err := admit(req)
	if err != nil {
		c.reject(err.Error())
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	resp, err := EncodeServerResponseSuccess(clientID)
	if err != nil {
		return nil, err
	}
	if err := c.WriteFrame(resp); err != nil {
		return nil, err
	}

	req[KeyClientID] = clientID
	return req, nil
}

func (c *Conn) reject(msg string) {
	if resp, err := EncodeServerResponseFail(msg); err == nil {
		_ = c.WriteFrame(resp)
	}
}

// Register runs the worker side of the registration protocol and returns the
// clientID confirmed by the master.
func Register(c *Conn, version, clientID, device string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
		defer c.SetDeadline(time.Time{})
	}

	hello, err := EncodeVersionHello(version)
	if err != nil {
		return "", err
	}
	if err := c.WriteFrame(hello); err != nil {
		return "", err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		return "", err
	}
	if err := DecodeVersionReply(frame); err != nil {
		return "", err
	}

	req, err := EncodeClientRequest(clientID, device)
	if err != nil {
		return "", err
	}
	if err := c.WriteFrame(req); err != nil {
		return "", err
	}
	frame, err = c.ReadFrame()
	if err != nil {
		return "", err
	}
	resp, err := DecodeServerResponse(frame)
	if err != nil {
		return "", err
	}
	if !resp.Accepted() {
		return "", fmt.Errorf("%w: %s", ErrRejected, resp.ErrorMessage())
	}
	return resp.ClientID(), nil
}

// IsEOF reports whether err was caused by the peer closing the connection.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
