package coragent

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Worker is the remote end of the socket transport. It registers with a
// master and runs the map and reduce functions of its job for every task the
// master sends.
type Worker struct {
	job      *Job
	addr     string
	clientID string
	device   string
	version  string
	timeout  time.Duration

	exec localExecutor
	conn *corproto.Conn
}

// WorkerOption allows configuration of a Worker
type WorkerOption func(*Worker)

// WithClientID requests a specific client id. Without it the master assigns one.
func WithClientID(id string) WorkerOption {
	return func(w *Worker) {
		w.clientID = id
	}
}

// WithDevice overrides the device descriptor sent during registration.
func WithDevice(device string) WorkerOption {
	return func(w *Worker) {
		w.device = device
	}
}

// WithProtocolVersion overrides the protocol version announced to the master.
func WithProtocolVersion(version string) WorkerOption {
	return func(w *Worker) {
		w.version = version
	}
}

func NewWorker(job *Job, addr string, options ...WorkerOption) *Worker {
	w := &Worker{
		job:     job,
		addr:    addr,
		device:  deviceDescriptor(),
		version: corproto.Version,
		timeout: viper.GetDuration("handshakeTimeout"),
	}
	for _, f := range options {
		f(w)
	}
	return w
}

// ClientID returns the id confirmed by the master.
func (w *Worker) ClientID() string {
	return w.clientID
}

// Connect dials the master and completes the registration handshake.
func (w *Worker) Connect(ctx context.Context) error {
	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "tcp", w.addr)
	if err != nil {
		return &corproto.CommunicationError{Op: "dial " + w.addr, Err: err}
	}

	conn := corproto.NewConn(c)
	id, err := corproto.Register(conn, w.version, w.clientID, w.device, w.timeout)
	if err != nil {
		c.Close()
		return err
	}
	w.clientID = id
	w.conn = conn
	log.WithField("agent", id).Infof("registered with master %s", w.addr)
	return nil
}

// Serve answers task requests until the master closes the connection or ctx
// is done. A closed connection is not an error.
func (w *Worker) Serve(ctx context.Context) error {
	if w.conn == nil {
		return errors.New("worker is not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := w.conn.ReadFrame()
		if err != nil {
			if corproto.IsEOF(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		req, err := corproto.DecodeTaskRequest(frame)
		if err != nil {
			return err
		}

		resp := w.handle(req)
		frame, err = corproto.EncodeTaskResponse(resp)
		if err != nil {
			return err
		}
		if err := w.conn.WriteFrame(frame); err != nil {
			return err
		}
	}
}

func (w *Worker) handle(req corproto.TaskRequest) corproto.TaskResponse {
	logger := log.WithField("agent", w.clientID)
	resp := corproto.TaskResponse{TaskID: req.TaskID, Status: corproto.StatusDone}

	var err error
	switch req.Phase {
	case corproto.PhaseMap:
		resp.Pairs, err = w.exec.runMapper(w.job, req.TaskID, splitFromWire(req.Split))
	case corproto.PhaseReduce:
		resp.Value, err = w.exec.runReducer(w.job, req.TaskID, req.Key, req.Values)
	}
	if err != nil {
		logger.Warnf("%s task %s failed, %+v", req.Phase, req.TaskID, err)
		resp.Status = corproto.StatusFailed
		if !IsTaskError(err) {
			resp.Status = corproto.StatusUnavailable
		}
		resp.Error = err.Error()
		resp.Pairs = nil
		resp.Value = ""
	}
	return resp
}

// Close disconnects from the master.
func (w *Worker) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}
