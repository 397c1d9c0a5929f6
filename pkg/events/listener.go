package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Config holds the event listener configuration.
type Config struct {
	// ListenAddr is the TCP address events are accepted on.
	ListenAddr string `mapstructure:"listen_addr"`

	// QueueSize bounds the events waiting for dispatch.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default event listener configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":50001",
		QueueSize:  64,
	}
}

// Reply is written back for every event received.
type Reply struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type request struct {
	event Event
	reply chan Reply
}

// Listener accepts JSON encoded events over TCP and dispatches them on a
// bus one at a time, in arrival order.
type Listener struct {
	config Config
	bus    *Bus
	logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	queue  chan request
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener dispatching on bus.
func NewListener(config Config, bus *Bus, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Listener{
		config: config,
		bus:    bus,
		logger: logger.Named("events"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start starts accepting connections.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for events on %s: %w", l.config.ListenAddr, err)
	}
	l.ln = ln
	l.queue = make(chan request, l.config.QueueSize)
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(2)
	go l.accept(ctx, ln)
	go l.dispatch(ctx)

	l.logger.Info("event listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and every open connection and waits for the
// serving goroutines.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.ln == nil {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	err := l.ln.Close()
	l.ln = nil
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("event listener stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close event listener: %w", err)
	}
	return nil
}

func (l *Listener) accept(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("failed to accept event connection", zap.Error(err))
			}
			return
		}
		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				l.logger.Warn("malformed event", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
				_ = enc.Encode(Reply{Error: err.Error()})
			}
			return
		}

		req := request{event: e, reply: make(chan Reply, 1)}
		select {
		case l.queue <- req:
		case <-ctx.Done():
			return
		}
		var r Reply
		select {
		case r = <-req.reply:
		case <-ctx.Done():
			return
		}
		if err := enc.Encode(r); err != nil {
			l.logger.Debug("failed to write event reply", zap.Error(err))
			return
		}
	}
}

func (l *Listener) dispatch(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.queue:
			v, err := l.bus.Dispatch(req.event)
			if err != nil {
				if errors.Is(err, ErrUnknownEvent) {
					l.logger.Warn("event not handled by this module", zap.String("event", req.event.Name))
				} else {
					l.logger.Warn("failed to handle event", zap.Stringer("event", req.event), zap.Error(err))
				}
				req.reply <- Reply{Error: err.Error()}
				continue
			}
			l.logger.Debug("event handled", zap.Stringer("event", req.event))
			req.reply <- Reply{Value: v}
		}
	}
}

// Send delivers e to the listener at addr and returns its reply.
func Send(ctx context.Context, addr string, e Event) (Reply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(e); err != nil {
		return Reply{}, fmt.Errorf("failed to send event: %w", err)
	}
	var r Reply
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return Reply{}, fmt.Errorf("failed to read event reply: %w", err)
	}
	return r, nil
}
