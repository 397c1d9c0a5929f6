// Package southbound talks to the OpenFlow client: a process driving the
// switches that connects over TCP and exchanges newline terminated JSON
// arrays with the runtime.
package southbound

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

const maxLine = 16 << 20

// Config holds the southbound channel configuration.
type Config struct {
	// ListenAddr is the TCP address the OpenFlow client connects to.
	ListenAddr string `mapstructure:"listen_addr"`

	// QueueSize bounds the messages read but not yet handled.
	QueueSize int `mapstructure:"queue_size"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// WriteRetries bounds the failed writes to a switch between two
	// barriers. A write failing once the budget is spent resets the switch.
	WriteRetries  int           `mapstructure:"write_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// BarrierTimeout renews the retry budget of a switch that saw no
	// barrier for that long.
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`
}

// DefaultConfig returns the default southbound configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":41414",
		QueueSize:      256,
		WriteTimeout:   5 * time.Second,
		WriteRetries:   3,
		RetryInterval:  100 * time.Millisecond,
		BarrierTimeout: 2 * time.Second,
	}
}

// SwitchState is the connection state of a switch.
type SwitchState uint8

const (
	StateDown SwitchState = iota
	StateHandshaking
	StateUp
)

func (s SwitchState) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateHandshaking:
		return "handshaking"
	case StateUp:
		return "up"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Handler receives what the client reports. Calls are made one at a time
// in the order the messages arrived.
type Handler interface {
	SwitchUp(dpid uint64)
	// SwitchDown is called when a switch parts, when the client goes away
	// and when writes to the switch keep failing.
	SwitchDown(dpid uint64)
	PortChanged(ev PortEvent)
	LinkUp(a, b topology.Location)
	PacketIn(p packet.Packet, cookie uint64)
	FlowStats(reply FlowStatsReply)
	FlowRemoved(ev FlowRemoved)
}

type disconnected struct{}

type switchReset struct{ dpid uint64 }

func (disconnected) Type() string { return "disconnected" }
func (switchReset) Type() string  { return "reset" }

type switchConn struct {
	state    SwitchState
	failures int
	window   time.Time
}

// Channel accepts one OpenFlow client at a time. A client connecting while
// another is connected replaces it.
type Channel struct {
	config  Config
	codec   *Codec
	handler Handler
	logger  *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conn   net.Conn
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Message
	wg     sync.WaitGroup

	wmu sync.Mutex

	smu      sync.RWMutex
	switches map[uint64]*switchConn
}

// NewChannel creates a channel reporting to handler. A nil codec is
// replaced by a fresh one.
func NewChannel(config Config, codec *Codec, handler Handler, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if codec == nil {
		codec = NewCodec()
	}
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.WriteRetries < 0 {
		config.WriteRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	return &Channel{
		config:   config,
		codec:    codec,
		handler:  handler,
		logger:   logger.Named("southbound"),
		switches: make(map[uint64]*switchConn),
	}
}

// Codec returns the codec of the channel.
func (c *Channel) Codec() *Codec {
	return c.codec
}

// Start starts accepting the client.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for openflow client on %s: %w", c.config.ListenAddr, err)
	}
	c.ln = ln
	c.queue = make(chan Message, c.config.QueueSize)
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.accept(c.ctx, ln)
	go c.dispatch(c.ctx)

	c.logger.Info("southbound channel started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Connected reports whether a client is connected.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Stop closes the listener and the client connection and waits for the
// serving goroutines.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if c.ln == nil {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	err := c.ln.Close()
	c.ln = nil
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("southbound channel stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close southbound listener: %w", err)
	}
	return nil
}

func (c *Channel) accept(ctx context.Context, ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("failed to accept openflow client", zap.Error(err))
			}
			return
		}

		c.mu.Lock()
		old, oldDone := c.conn, c.done
		c.mu.Unlock()
		if old != nil {
			c.logger.Warn("openflow client replaced", zap.String("remote", old.RemoteAddr().String()))
			_ = old.Close()
			<-oldDone
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		done := make(chan struct{})
		c.conn, c.done = conn, done
		c.mu.Unlock()

		c.logger.Info("openflow client connected", zap.String("remote", conn.RemoteAddr().String()))
		c.wg.Add(1)
		go c.serve(ctx, conn, done)
	}
}

func (c *Channel) serve(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := c.codec.Decode(line)
		if err != nil {
			c.logger.Warn("dropping southbound message", zap.ByteString("message", line), zap.Error(err))
			continue
		}
		if !c.enqueue(ctx, msg) {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("openflow client connection failed", zap.Error(err))
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.logger.Info("openflow client disconnected", zap.String("remote", conn.RemoteAddr().String()))
	c.enqueue(ctx, disconnected{})
}

func (c *Channel) enqueue(ctx context.Context, msg Message) bool {
	select {
	case c.queue <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) dispatch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			c.handle(msg)
		}
	}
}

func (c *Channel) handle(msg Message) {
	switch m := msg.(type) {
	case SwitchJoin:
		if m.Phase == PhaseBegin {
			if c.setState(m.DPID, StateHandshaking) == StateUp {
				c.handler.SwitchDown(m.DPID)
			}
			c.logger.Debug("switch handshaking", zap.Uint64("dpid", m.DPID))
			return
		}
		if c.setState(m.DPID, StateUp) != StateUp {
			c.logger.Info("switch up", zap.Uint64("dpid", m.DPID))
			c.handler.SwitchUp(m.DPID)
		}
	case SwitchPart:
		if c.setState(m.DPID, StateDown) != StateDown {
			c.logger.Info("switch down", zap.Uint64("dpid", m.DPID))
			c.handler.SwitchDown(m.DPID)
		}
	case switchReset:
		c.logger.Warn("switch reset after failed writes", zap.Uint64("dpid", m.dpid))
		c.handler.SwitchDown(m.dpid)
	case disconnected:
		for _, dpid := range c.known() {
			if c.setState(dpid, StateDown) != StateDown {
				c.handler.SwitchDown(dpid)
			}
		}
	case PortEvent:
		c.handler.PortChanged(m)
	case LinkEvent:
		c.handler.LinkUp(m.A, m.B)
	case PacketIn:
		sw, _ := m.Packet.Get(field.Switch)
		if c.State(sw.Uint64()) == StateDown {
			c.logger.Debug("dropping packet from a switch that is down", zap.Uint64("dpid", sw.Uint64()))
			return
		}
		c.handler.PacketIn(m.Packet, m.Cookie)
	case FlowStatsReply:
		c.handler.FlowStats(m)
	case FlowRemoved:
		c.handler.FlowRemoved(m)
	}
}

// setState moves dpid to s and returns its previous state.
func (c *Channel) setState(dpid uint64, s SwitchState) SwitchState {
	c.smu.Lock()
	defer c.smu.Unlock()
	sc, ok := c.switches[dpid]
	if !ok {
		sc = &switchConn{}
		c.switches[dpid] = sc
	}
	prev := sc.state
	sc.state = s
	if s != StateUp {
		sc.failures = 0
		sc.window = time.Time{}
	}
	return prev
}

func (c *Channel) known() []uint64 {
	c.smu.RLock()
	defer c.smu.RUnlock()
	out := make([]uint64, 0, len(c.switches))
	for dpid := range c.switches {
		out = append(out, dpid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the connection state of dpid.
func (c *Channel) State(dpid uint64) SwitchState {
	c.smu.RLock()
	defer c.smu.RUnlock()
	if sc, ok := c.switches[dpid]; ok {
		return sc.state
	}
	return StateDown
}

// Switches returns the switches that are up, in ascending order.
func (c *Channel) Switches() []uint64 {
	c.smu.RLock()
	defer c.smu.RUnlock()
	var out []uint64
	for dpid, sc := range c.switches {
		if sc.state == StateUp {
			out = append(out, dpid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send writes cmd to the client. Commands for a switch fail with
// ErrSwitchDown unless the switch is up. Failed writes are retried while
// the switch has retry budget left; once it runs out the switch is reset
// and ErrWriteFailed returned.
func (c *Channel) Send(cmd Command) error {
	dpid, targeted := cmd.Switch()
	if targeted {
		if s := c.State(dpid); s != StateUp {
			return fmt.Errorf("%w: switch %d is %s", ErrSwitchDown, dpid, s)
		}
	}
	line, err := c.codec.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode southbound command: %w", err)
	}
	if !targeted {
		_, err := c.retry(line, c.config.WriteRetries)
		return err
	}

	failures, err := c.retry(line, c.budget(dpid))
	c.charge(dpid, failures)
	switch {
	case err == nil:
		if _, ok := cmd.(Barrier); ok {
			c.renew(dpid)
		}
		return nil
	case errors.Is(err, ErrChannelClosed):
		return err
	}
	c.reset(dpid)
	return fmt.Errorf("%w: switch %d: %w", ErrWriteFailed, dpid, err)
}

func (c *Channel) retry(line []byte, retries int) (int, error) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return 0, ErrChannelClosed
	}

	failures := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryInterval), uint64(retries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := c.write(line); err != nil {
			failures++
			if errors.Is(err, ErrChannelClosed) {
				return backoff.Permanent(err)
			}
			c.logger.Debug("southbound write failed", zap.Int("failures", failures), zap.Error(err))
			return err
		}
		return nil
	}, b)
	return failures, err
}

func (c *Channel) write(line []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.ln == nil
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("failed to write to openflow client: %w", err)
	}
	return nil
}

// budget returns the retries dpid has left in its barrier window.
func (c *Channel) budget(dpid uint64) int {
	c.smu.Lock()
	defer c.smu.Unlock()
	sc, ok := c.switches[dpid]
	if !ok {
		return 0
	}
	now := time.Now()
	if sc.window.IsZero() || (c.config.BarrierTimeout > 0 && now.Sub(sc.window) > c.config.BarrierTimeout) {
		sc.failures = 0
		sc.window = now
	}
	return max(c.config.WriteRetries-sc.failures, 0)
}

func (c *Channel) charge(dpid uint64, failures int) {
	c.smu.Lock()
	defer c.smu.Unlock()
	if sc, ok := c.switches[dpid]; ok {
		sc.failures += failures
	}
}

func (c *Channel) renew(dpid uint64) {
	c.smu.Lock()
	defer c.smu.Unlock()
	if sc, ok := c.switches[dpid]; ok {
		sc.failures = 0
		sc.window = time.Now()
	}
}

// reset marks dpid down and tells the handler from the dispatch goroutine.
func (c *Channel) reset(dpid uint64) {
	if c.setState(dpid, StateDown) == StateDown {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.enqueue(ctx, switchReset{dpid: dpid})
	}()
}

// SendPacket sends p out of its switch through its outport.
func (c *Channel) SendPacket(p packet.Packet) error {
	return c.Send(PacketOut{Packet: p})
}

// RequestStats asks dpid for its flow counters.
func (c *Channel) RequestStats(dpid uint64) error {
	return c.Send(FlowStatsRequest{DPID: dpid})
}

// Barrier asks dpid to finish every earlier command first.
func (c *Channel) Barrier(dpid uint64) error {
	return c.Send(Barrier{DPID: dpid})
}

// InjectDiscovery sends a link discovery packet out of port of dpid.
func (c *Channel) InjectDiscovery(dpid uint64, port uint16) error {
	return c.Send(InjectDiscovery{DPID: dpid, Port: port})
}
