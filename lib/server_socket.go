package lib

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/pseudo-raknet/config"
	"github.com/Clouded-Sabre/pseudo-raknet/filter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

var ErrSocketClosed = errors.New("server socket closed")

// DefaultExceptionHandler is the id of the handler that logs socket errors.
const DefaultExceptionHandler = "DEFAULT"

type ServerSocketConfig struct {
	Logger               *zap.Logger
	ServerID             int64         // 0 picks a random id
	MaxConnections       int           // negative means unlimited
	TickInterval         time.Duration // connection maintenance period
	Timeout              time.Duration // idle time before a connection is dropped
	InputQueueSize       int           // datagrams buffered per connection
	SendQueueSize        int           // datagrams buffered for the writer goroutine
	ReceiveBufferSize    int           // bytes per receive buffer
	PayloadPoolSize      int           // pooled receive buffers, 0 disables the pool
	PoolDebug            bool          // ring pool debug setting
	ProcessTimeThreshold time.Duration // ring pool debug threshold
	UnconnectedRate      float64       // unconnected packets per second per IP, 0 is unlimited
	UnconnectedBurst     int
	InlineProcessing     bool // handle datagrams on the read goroutine
	Congestion           CongestionControllerFactory
	Clock                func() time.Time // nil means time.Now
}

func DefaultServerSocketConfig() *ServerSocketConfig {
	return &ServerSocketConfig{
		Logger:               zap.NewNop(),
		MaxConnections:       DefaultMaxConnections,
		TickInterval:         DefaultTickInterval,
		Timeout:              ConnectionTimeout,
		InputQueueSize:       256,
		SendQueueSize:        4096,
		ReceiveBufferSize:    2048,
		PayloadPoolSize:      2000,
		ProcessTimeThreshold: 10 * time.Millisecond,
		UnconnectedRate:      50,
		UnconnectedBurst:     100,
		Congestion:           NewSlidingWindow,
	}
}

// NewServerSocketConfig converts the file configuration into a runtime one.
func NewServerSocketConfig(cfg *config.Config, logger *zap.Logger) *ServerSocketConfig {
	c := DefaultServerSocketConfig()
	if logger != nil {
		c.Logger = logger
	}
	c.MaxConnections = cfg.MaxConnections
	c.TickInterval = time.Duration(cfg.TickIntervalMs) * time.Millisecond
	c.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	c.InputQueueSize = cfg.InputQueueSize
	c.SendQueueSize = cfg.SendQueueSize
	c.ReceiveBufferSize = cfg.ReceiveBufferSize
	c.PayloadPoolSize = cfg.PayloadPoolSize
	c.PoolDebug = cfg.PoolDebug
	c.ProcessTimeThreshold = time.Duration(cfg.ProcessTimeThreshold) * time.Millisecond
	c.UnconnectedRate = cfg.UnconnectedRate
	c.UnconnectedBurst = cfg.UnconnectedBurst
	c.InlineProcessing = cfg.InlineProcessing
	return c
}

// ServerSocket accepts connections on one UDP socket.
type ServerSocket struct {
	config   *ServerSocketConfig
	log      *zap.Logger
	listener SocketListener
	serverID int64
	connCfg  *connectionConfig

	udp  *net.UDPConn
	conn *datagramConn
	out  packetWriter // the tx queue, replaced in tests
	tx   chan ipv4.Message
	pool *payloadPool

	filter      *filter.AddressFilter
	connections sync.Map // addr string -> *Connection
	connCount   atomic.Int32

	handlersMu        sync.RWMutex
	exceptionHandlers map[string]func(error)

	die       chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // read, tick and connection goroutines
	txWG      sync.WaitGroup
}

// NewServerSocket prepares a socket; Listen binds it.
func NewServerSocket(listener SocketListener, cfg *ServerSocketConfig) *ServerSocket {
	if cfg == nil {
		cfg = DefaultServerSocketConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Congestion == nil {
		cfg.Congestion = NewSlidingWindow
	}
	if listener == nil {
		listener = BaseListener{}
	}
	s := &ServerSocket{
		config:            cfg,
		log:               cfg.Logger,
		listener:          listener,
		serverID:          cfg.ServerID,
		tx:                make(chan ipv4.Message, cfg.SendQueueSize),
		filter:            filter.NewAddressFilter(cfg.UnconnectedRate, cfg.UnconnectedBurst),
		exceptionHandlers: make(map[string]func(error)),
		die:               make(chan struct{}),
	}
	if s.serverID == 0 {
		s.serverID = rand.Int63()
	}
	s.out = txQueue{s}
	s.exceptionHandlers[DefaultExceptionHandler] = func(err error) {
		s.log.Error("Server socket error", zap.Error(err))
	}
	if cfg.PayloadPoolSize > 0 {
		s.pool = newPayloadPool(cfg.PayloadPoolSize, cfg.ReceiveBufferSize, cfg.PoolDebug, cfg.ProcessTimeThreshold)
	}
	s.connCfg = &connectionConfig{
		serverID:    s.serverID,
		logger:      s.log,
		listener:    s.listener,
		writer:      s,
		congestion:  cfg.Congestion,
		timeout:     cfg.Timeout,
		inputBuffer: cfg.InputQueueSize,
		pool:        s.pool,
		clock:       cfg.Clock,
		onClose:     s.removeConnection,
		onError:     s.reportException,
	}
	return s
}

func (s *ServerSocket) now() time.Time {
	if s.config.Clock != nil {
		return s.config.Clock()
	}
	return time.Now()
}

// ServerID is the id advertised in pongs and handshake replies.
func (s *ServerSocket) ServerID() int64 { return s.serverID }

// Addr returns the bound address, or nil before Listen.
func (s *ServerSocket) Addr() *net.UDPAddr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr().(*net.UDPAddr)
}

// Listen binds address and starts the read, tick and writer goroutines.
func (s *ServerSocket) Listen(address string) error {
	select {
	case <-s.die:
		return ErrSocketClosed
	default:
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", address)
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	s.udp = udp
	s.conn = newDatagramConn(udp, s.config.ReceiveBufferSize)

	s.txWG.Add(1)
	go s.txLoop()
	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop()

	s.log.Info("Server socket started", zap.Stringer("addr", udp.LocalAddr()), zap.Int64("serverID", s.serverID))
	return nil
}

// Close disconnects every connection, flushes pending writes and closes
// the socket.
func (s *ServerSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connections.Range(func(_, v any) bool {
			v.(*Connection).Disconnect(ReasonShuttingDown)
			return true
		})
		close(s.die)
		s.txWG.Wait()
		if s.udp != nil {
			err = s.udp.Close()
		}
		s.wg.Wait()
		s.log.Info("Server socket closed")
	})
	return err
}

// WritePacket queues b for addr. It never blocks.
func (s *ServerSocket) WritePacket(b []byte, addr *net.UDPAddr) {
	s.out.WritePacket(b, addr)
}

type txQueue struct {
	s *ServerSocket
}

func (q txQueue) WritePacket(b []byte, addr *net.UDPAddr) {
	select {
	case q.s.tx <- ipv4.Message{Buffers: [][]byte{b}, Addr: addr}:
	default:
		q.s.reportException(errors.Errorf("send queue full, dropped %d bytes to %s", len(b), addr))
	}
}

func (s *ServerSocket) txLoop() {
	defer s.txWG.Done()
	msgs := make([]ipv4.Message, 0, batchSize)
	flush := func() {
		if len(msgs) == 0 {
			return
		}
		if err := s.conn.writeBatch(msgs); err != nil {
			s.reportException(err)
		}
		clear(msgs)
		msgs = msgs[:0]
	}
	for {
		select {
		case m := <-s.tx:
			msgs = append(msgs, m)
		drain:
			for len(msgs) < batchSize {
				select {
				case m := <-s.tx:
					msgs = append(msgs, m)
				default:
					break drain
				}
			}
			flush()
		case <-s.die:
			for {
				select {
				case m := <-s.tx:
					msgs = append(msgs, m)
					if len(msgs) == batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ServerSocket) readLoop() {
	defer s.wg.Done()
	for {
		err := s.conn.readLoop(s.handleDatagram)
		select {
		case <-s.die:
			return
		default:
		}
		if isClosedErr(err) {
			return
		}
		s.reportException(errors.Wrap(err, "read"))
	}
}

func (s *ServerSocket) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.die:
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick purges the block list and ticks every connection.
func (s *ServerSocket) Tick(now time.Time) {
	for _, ip := range s.filter.Purge(now) {
		s.log.Debug("Address unblocked", zap.String("ip", ip))
	}
	s.connections.Range(func(_, v any) bool {
		v.(*Connection).Tick(now)
		return true
	})
}

// handleDatagram routes one received datagram. b is only valid during the
// call.
func (s *ServerSocket) handleDatagram(b []byte, addr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.reportException(errors.Errorf("panic while handling datagram from %s: %v", addr, r))
		}
	}()
	now := s.now()
	if len(b) == 0 || s.filter.IsBlocked(addr.IP, now) {
		return
	}
	c := s.Connection(addr)
	if b[0]&FlagValid == 0 && s.handleNoConnectionPacket(b, addr, c, now) {
		return
	}
	if c != nil {
		s.deliver(c, b)
		return
	}
	payload := make([]byte, len(b))
	copy(payload, b)
	s.listener.OnUnhandledDatagram(addr, payload)
}

func (s *ServerSocket) deliver(c *Connection, b []byte) {
	if s.config.InlineProcessing {
		c.handleInbound(inbound{data: b})
		return
	}
	in := s.pool.wrap(b)
	if !c.enqueue(in) {
		s.pool.release(in)
	}
}

// handleNoConnectionPacket answers the packets that may arrive before a
// connection exists. It reports whether b was consumed.
func (s *ServerSocket) handleNoConnectionPacket(b []byte, addr *net.UDPAddr, c *Connection, now time.Time) bool {
	switch b[0] {
	case IDUnconnectedPing, IDUnconnectedPingOpenConnection, IDOpenConnectionRequest1:
	default:
		return false
	}
	if !s.filter.Allow(addr.IP, now) {
		return true
	}
	pk, err := DecodePacket(b)
	if err != nil {
		s.log.Debug("Dropped unconnected packet", zap.Stringer("remote", addr), zap.Error(err))
		return true
	}
	switch pk := pk.(type) {
	case *UnconnectedPing:
		s.handleUnconnectedPing(pk, addr)
	case *OpenConnectionRequest1:
		s.handleOpenConnectionRequest1(pk, addr, c)
	}
	return true
}

func (s *ServerSocket) handleUnconnectedPing(pk *UnconnectedPing, addr *net.UDPAddr) {
	if pk.OpenConnections && !s.hasCapacity() {
		return
	}
	s.WritePacket(EncodePacket(&UnconnectedPong{
		PingTime: pk.PingTime,
		ServerID: s.serverID,
		Data:     s.listener.OnRequestServerData(),
	}), addr)
}

func (s *ServerSocket) handleOpenConnectionRequest1(pk *OpenConnectionRequest1, addr *net.UDPAddr, c *Connection) {
	reject := func(p Packet) {
		s.log.Debug("Connection refused", zap.Stringer("remote", addr), zap.String("reply", PacketName(p.ID())))
		s.WritePacket(EncodePacket(p), addr)
	}
	switch {
	case c != nil && c.State() == StateConnected:
		reject(&Rejection{PacketID: IDAlreadyConnected, ServerID: s.serverID})
		return
	case pk.Protocol != ProtocolVersion:
		reject(&IncompatibleProtocolVersion{Protocol: ProtocolVersion, ServerID: s.serverID})
		return
	case c == nil && !s.hasCapacity():
		reject(&Rejection{PacketID: IDMaximumConnection, ServerID: s.serverID})
		return
	case !s.listener.OnConnect(addr):
		reject(&Rejection{PacketID: IDConnectionBanned, ServerID: s.serverID})
		return
	}

	if c == nil {
		created := newConnection(addr, pk.MTU(addr), s.connCfg)
		actual, loaded := s.connections.LoadOrStore(created.key, created)
		c = actual.(*Connection)
		if !loaded {
			s.connCount.Add(1)
			if !s.config.InlineProcessing {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					c.run()
				}()
			}
			s.log.Debug("Connection created", zap.Stringer("remote", addr), zap.Int("mtu", c.MTU()))
			s.listener.OnConnectionCreation(c)
			c.setState(StateInitializing)
		}
	}
	s.WritePacket(EncodePacket(&OpenConnectionReply1{
		ServerID: s.serverID,
		MTU:      uint16(c.MTU()),
	}), addr)
}

func (s *ServerSocket) hasCapacity() bool {
	limit := s.config.MaxConnections
	return limit < 0 || int(s.connCount.Load()) < limit
}

func (s *ServerSocket) removeConnection(c *Connection) {
	if s.connections.CompareAndDelete(c.key, c) {
		s.connCount.Add(-1)
		s.log.Debug("Connection removed", zap.String("remote", c.key))
	}
}

// Connection returns the connection for addr, or nil.
func (s *ServerSocket) Connection(addr *net.UDPAddr) *Connection {
	if v, ok := s.connections.Load(addr.String()); ok {
		return v.(*Connection)
	}
	return nil
}

// Connections returns a snapshot of the connection table.
func (s *ServerSocket) Connections() []*Connection {
	var conns []*Connection
	s.connections.Range(func(_, v any) bool {
		conns = append(conns, v.(*Connection))
		return true
	})
	return conns
}

func (s *ServerSocket) ConnectionCount() int {
	return int(s.connCount.Load())
}

// BlockAddress refuses every datagram from ip for d, or until UnblockAddress
// when d is not positive. Existing connections from ip are disconnected.
func (s *ServerSocket) BlockAddress(ip net.IP, d time.Duration) {
	s.filter.Block(ip, d, s.now())
	s.connections.Range(func(_, v any) bool {
		if c := v.(*Connection); c.addr.IP.Equal(ip) {
			c.Disconnect(ReasonDisconnected)
		}
		return true
	})
	s.log.Info("Address blocked", zap.Stringer("ip", ip), zap.Duration("duration", d))
}

func (s *ServerSocket) UnblockAddress(ip net.IP) {
	if s.filter.Unblock(ip) {
		s.log.Info("Address unblocked", zap.Stringer("ip", ip))
	}
}

func (s *ServerSocket) IsBlocked(ip net.IP) bool {
	return s.filter.IsBlocked(ip, s.now())
}

// AddExceptionHandler registers fn under id, replacing any handler with the
// same id.
func (s *ServerSocket) AddExceptionHandler(id string, fn func(error)) {
	s.handlersMu.Lock()
	s.exceptionHandlers[id] = fn
	s.handlersMu.Unlock()
}

func (s *ServerSocket) RemoveExceptionHandler(id string) {
	s.handlersMu.Lock()
	delete(s.exceptionHandlers, id)
	s.handlersMu.Unlock()
}

// ClearExceptionHandlers removes every handler, the logging one included.
func (s *ServerSocket) ClearExceptionHandlers() {
	s.handlersMu.Lock()
	clear(s.exceptionHandlers)
	s.handlersMu.Unlock()
}

func (s *ServerSocket) reportException(err error) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, fn := range s.exceptionHandlers {
		fn(err)
	}
}
