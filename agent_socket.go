package coragent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SocketAgentPlugin accepts remote workers over TCP. Every connection has to
// complete the registration handshake before it is offered as an agent.
type SocketAgentPlugin struct {
	name        string
	addressKey  string
	admitDevice func(device string) error

	version          string
	handshakeTimeout time.Duration
	taskTimeout      time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	clients  map[string]*remoteAgent
	stopped  bool
	done     chan struct{}
	agents   chan Agent
	wg       sync.WaitGroup
	log      *log.Entry
}

// NewSocketAgentPlugin creates the "Socket" plugin listening on socketAddress.
func NewSocketAgentPlugin() *SocketAgentPlugin {
	return newSocketAgentPlugin("Socket", "socketAddress", nil)
}

// NewAndroidAgentPlugin creates the "Android" plugin listening on
// androidAddress. It only admits workers whose device descriptor starts
// with "android".
func NewAndroidAgentPlugin() *SocketAgentPlugin {
	return newSocketAgentPlugin("Android", "androidAddress", requireAndroidDevice)
}

func newSocketAgentPlugin(name, addressKey string, admitDevice func(string) error) *SocketAgentPlugin {
	return &SocketAgentPlugin{
		name:        name,
		addressKey:  addressKey,
		admitDevice: admitDevice,
		conns:       make(map[net.Conn]struct{}),
		clients:     make(map[string]*remoteAgent),
		done:        make(chan struct{}),
		agents:      make(chan Agent, 64),
	}
}

func requireAndroidDevice(device string) error {
	if !strings.HasPrefix(strings.ToLower(device), "android") {
		return fmt.Errorf("device %q is not an android device", device)
	}
	return nil
}

func (p *SocketAgentPlugin) Name() string {
	return p.name
}

// Addr returns the bound listen address, or nil before Start.
func (p *SocketAgentPlugin) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *SocketAgentPlugin) Start(pc *PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return &PluginError{Plugin: p.name, Err: errors.New("already started")}
	}
	if p.stopped {
		return &PluginError{Plugin: p.name, Err: fmt.Errorf("%w: plugin was stopped", ErrPluginStart)}
	}

	conf := pc.config()
	p.log = pc.logger(p.name)
	p.version = conf.GetString("protocolVersion")
	if p.version == "" {
		p.version = corproto.Version
	}
	p.handshakeTimeout = conf.GetDuration("handshakeTimeout")
	p.taskTimeout = conf.GetDuration("taskTimeout")

	address := conf.GetString(p.addressKey)
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return &PluginError{Plugin: p.name, Err: fmt.Errorf("%w: listen on %q: %v", ErrPluginStart, address, err)}
	}
	p.listener = ln
	p.log.Infof("accepting workers on %s", ln.Addr())

	p.wg.Add(1)
	go p.acceptLoop(ln)
	return nil
}

func (p *SocketAgentPlugin) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				p.log.Debugf("accept failed, %+v", err)
				continue
			}
			p.log.Errorf("accept failed, %+v", err)
			return
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			c.Close()
			return
		}
		p.conns[c] = struct{}{}
		p.wg.Add(1)
		p.mu.Unlock()

		go p.register(c)
	}
}

// register runs the handshake on c and offers the resulting agent.
func (p *SocketAgentPlugin) register(c net.Conn) {
	defer p.wg.Done()

	conn := corproto.NewConn(c)
	var reserved string
	msg, err := corproto.Handshake(conn, p.version, p.handshakeTimeout, func(m corproto.Message) (string, error) {
		id, err := p.admit(m)
		reserved = id
		return id, err
	})
	if err != nil {
		p.log.Warnf("registration from %s failed, %+v", c.RemoteAddr(), err)
		p.mu.Lock()
		if reserved != "" && p.clients[reserved] == nil {
			delete(p.clients, reserved)
		}
		p.mu.Unlock()
		p.drop(c)
		return
	}

	agent := &remoteAgent{
		id:      msg.ClientID(),
		device:  msg.Device(),
		conn:    conn,
		timeout: p.taskTimeout,
		alive:   1,
	}
	agent.onClose = func() { p.drop(c) }

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		agent.close()
		return
	}
	p.clients[agent.id] = agent
	p.mu.Unlock()

	p.log.WithField("agent", agent.id).Infof("registered %s worker from %s", agent.device, c.RemoteAddr())
	select {
	case p.agents <- agent:
	case <-p.done:
		agent.close()
	}
}

// admit checks the device and assigns or confirms the client id.
func (p *SocketAgentPlugin) admit(m corproto.Message) (string, error) {
	if p.admitDevice != nil {
		if err := p.admitDevice(m.Device()); err != nil {
			return "", err
		}
	}

	id := m.ClientID()
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[id]; ok && (existing == nil || existing.Alive()) {
		return "", fmt.Errorf("client id %q is already registered", id)
	}
	// reserve the id until the handshake completes
	p.clients[id] = nil
	return id, nil
}

func (p *SocketAgentPlugin) drop(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	c.Close()
}

// Stop closes the listener and every connection and waits for the
// registration goroutines to finish. It is safe to call more than once.
func (p *SocketAgentPlugin) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.done)

	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	for _, a := range p.clients {
		if a != nil {
			atomic.StoreInt32(&a.alive, 0)
		}
	}
	for c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	close(p.agents)
	return err
}

func (p *SocketAgentPlugin) Agents() <-chan Agent {
	return p.agents
}

// remoteAgent forwards tasks to a registered worker connection.
type remoteAgent struct {
	id      string
	device  string
	conn    *corproto.Conn
	timeout time.Duration
	onClose func()

	mu    sync.Mutex
	alive int32
}

func (a *remoteAgent) ID() string {
	return a.id
}

func (a *remoteAgent) Alive() bool {
	return atomic.LoadInt32(&a.alive) == 1
}

func (a *remoteAgent) close() {
	atomic.StoreInt32(&a.alive, 0)
	if a.onClose != nil {
		a.onClose()
		return
	}
	a.conn.Close()
}

func (a *remoteAgent) RunMapper(ctx context.Context, job *Job, task *MapTask) ([]KeyValue, error) {
	resp, err := a.call(ctx, corproto.TaskRequest{
		TaskID: task.Name(),
		Phase:  corproto.PhaseMap,
		Split:  task.Split.wire(),
	})
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case corproto.StatusFailed:
		return nil, &TaskError{TaskID: task.Name(), Phase: MapPhase, Err: errors.New(resp.Error)}
	case corproto.StatusUnavailable:
		return nil, fmt.Errorf("%w: %s on %s: %s", ErrInputUnavailable, task.Name(), a.id, resp.Error)
	}
	return resp.Pairs, nil
}

func (a *remoteAgent) RunReducer(ctx context.Context, job *Job, task *ReduceTask, values []string) (string, error) {
	resp, err := a.call(ctx, corproto.TaskRequest{
		TaskID: task.Name(),
		Phase:  corproto.PhaseReduce,
		Key:    task.Key,
		Values: values,
	})
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case corproto.StatusFailed:
		return "", &TaskError{TaskID: task.Name(), Phase: ReducePhase, Err: errors.New(resp.Error)}
	case corproto.StatusUnavailable:
		return "", fmt.Errorf("%w: %s on %s: %s", ErrInputUnavailable, task.Name(), a.id, resp.Error)
	}
	return resp.Value, nil
}

// call sends one task and waits for its response. Any transport failure
// retires the agent.
func (a *remoteAgent) call(ctx context.Context, req corproto.TaskRequest) (corproto.TaskResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Alive() {
		return corproto.TaskResponse{}, &corproto.CommunicationError{Op: "call " + a.id, Err: ErrAgentStopped}
	}

	deadline := time.Time{}
	if a.timeout > 0 {
		deadline = time.Now().Add(a.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = a.conn.SetDeadline(deadline)

	resp, err := a.roundTrip(req)
	if err != nil {
		a.close()
		return corproto.TaskResponse{}, err
	}
	_ = a.conn.SetDeadline(time.Time{})
	return resp, nil
}

func (a *remoteAgent) roundTrip(req corproto.TaskRequest) (corproto.TaskResponse, error) {
	frame, err := corproto.EncodeTaskRequest(req)
	if err != nil {
		return corproto.TaskResponse{}, err
	}
	if err := a.conn.WriteFrame(frame); err != nil {
		return corproto.TaskResponse{}, err
	}
	frame, err = a.conn.ReadFrame()
	if err != nil {
		return corproto.TaskResponse{}, err
	}
	resp, err := corproto.DecodeTaskResponse(frame)
	if err != nil {
		return corproto.TaskResponse{}, err
	}
	if resp.TaskID != req.TaskID {
		return corproto.TaskResponse{}, &corproto.CommunicationError{
			Op:  "call " + a.id,
			Err: fmt.Errorf("response for task %s, expected %s", resp.TaskID, req.TaskID),
		}
	}
	return resp, nil
}
