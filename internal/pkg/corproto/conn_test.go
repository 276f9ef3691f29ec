package corproto

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshakeResult struct {
	msg Message
	err error
}

func runHandshake(t *testing.T, expected string, admit func(Message) (string, error)) (*Conn, <-chan handshakeResult) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	results := make(chan handshakeResult, 1)
	go func() {
		msg, err := Handshake(NewConn(server), expected, time.Second, admit)
		results <- handshakeResult{msg, err}
	}()
	return NewConn(client), results
}

func acceptAll(m Message) (string, error) {
	if m.ClientID() == "" {
		return "assigned", nil
	}
	return m.ClientID(), nil
}

func TestHandshakeAccepted(t *testing.T) {
	client, results := runHandshake(t, Version, acceptAll)

	id, err := Register(client, Version, "", "android/pixel", time.Second)
	require.Nil(t, err)
	assert.Equal(t, "assigned", id)

	res := <-results
	require.Nil(t, res.err)
	assert.Equal(t, "assigned", res.msg.ClientID())
	assert.Equal(t, "android/pixel", res.msg.Device())
}

func TestHandshakeVersionMismatch(t *testing.T) {
	client, results := runHandshake(t, "2.0", acceptAll)

	_, err := Register(client, "1.3", "w", "dev", time.Second)
	var mismatch *VersionMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, "2.0", mismatch.Expected)
	assert.Equal(t, "1.3", mismatch.Actual)

	res := <-results
	assert.Nil(t, res.msg)
	assert.True(t, errors.As(res.err, &mismatch))
}

func TestHandshakeAdmissionRefused(t *testing.T) {
	client, results := runHandshake(t, Version, func(m Message) (string, error) {
		return "", fmt.Errorf("device %q not supported", m.Device())
	})

	_, err := Register(client, Version, "w", "toaster", time.Second)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "toaster")

	res := <-results
	assert.True(t, errors.Is(res.err, ErrRejected))
}

func TestHandshakeMalformedRequest(t *testing.T) {
	client, results := runHandshake(t, Version, acceptAll)

	hello, _ := EncodeVersionHello(Version)
	require.Nil(t, client.WriteFrame(hello))
	frame, err := client.ReadFrame()
	require.Nil(t, err)
	require.Nil(t, DecodeVersionReply(frame))

	require.Nil(t, client.WriteFrame([]byte(`{"clientID":"a"`)))
	frame, err = client.ReadFrame()
	require.Nil(t, err)
	resp, err := DecodeServerResponse(frame)
	require.Nil(t, err)
	assert.False(t, resp.Accepted())

	res := <-results
	assert.True(t, errors.Is(res.err, ErrCommunication))
}

func TestHandshakeTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	_, err := Handshake(NewConn(server), Version, 50*time.Millisecond, acceptAll)
	assert.True(t, errors.Is(err, ErrCommunication))
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
}

func TestReadFrameEOF(t *testing.T) {
	server, client := net.Pipe()
	client.Close()
	_, err := NewConn(server).ReadFrame()
	assert.True(t, IsEOF(err))
	assert.True(t, errors.Is(err, ErrCommunication))
}

func TestTaskFrames(t *testing.T) {
	data, err := EncodeTaskRequest(TaskRequest{
		TaskID: "m-1",
		Phase:  PhaseMap,
		Split:  &Split{Filename: "in.txt", EndOffset: 10},
	})
	require.Nil(t, err)
	req, err := DecodeTaskRequest(data)
	require.Nil(t, err)
	assert.Equal(t, "in.txt", req.Split.Filename)

	_, err = DecodeTaskRequest([]byte(`{"taskID":"m-1","phase":"map"}`))
	assert.True(t, errors.Is(err, ErrCommunication))
	_, err = DecodeTaskRequest([]byte(`{"taskID":"m-1","phase":"shuffle"}`))
	assert.True(t, errors.Is(err, ErrCommunication))

	data, err = EncodeTaskResponse(TaskResponse{TaskID: "r-1", Status: StatusDone, Value: "42"})
	require.Nil(t, err)
	resp, err := DecodeTaskResponse(data)
	require.Nil(t, err)
	assert.Equal(t, "42", resp.Value)

	resp, err = DecodeTaskResponse([]byte(`{"taskID":"m-2","status":"unavailable","error":"no such file"}`))
	require.Nil(t, err)
	assert.Equal(t, StatusUnavailable, resp.Status)

	_, err = DecodeTaskResponse([]byte(`{"taskID":"r-1","status":"maybe"}`))
	assert.True(t, errors.Is(err, ErrCommunication))
}
