package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/observability"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/danmuck/poolrep/internal/registry"
	"github.com/danmuck/poolrep/internal/rpool"
	"github.com/rs/zerolog/log"
)

// Config is the daemon endpoint configuration.
type Config struct {
	NodeID      string
	ListenAddr  string
	AdminAddr   string
	MaxLanes    int
	CORSOrigins []string
	Transport   transport.Config
}

func DefaultConfig() Config {
	return Config{
		NodeID:     "poolrepd.local",
		ListenAddr: ":7400",
		MaxLanes:   16,
		Transport:  transport.DefaultConfig(),
	}
}

// Service serves pools from one registry to remote clients.
type Service struct {
	cfg    Config
	target *rpool.LocalTarget

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	attachMu sync.Mutex
	attached map[string]map[net.Conn]struct{}

	started time.Time
}

// New retains reg for the lifetime of the service.
func New(cfg Config, reg *registry.Registry) *Service {
	d := DefaultConfig()
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = d.NodeID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = d.MaxLanes
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	return &Service{
		cfg:      cfg,
		target:   rpool.NewLocalTarget(reg, cfg.MaxLanes),
		conns:    make(map[net.Conn]struct{}),
		attached: make(map[string]map[net.Conn]struct{}),
		started:  time.Now(),
	}
}

func (s *Service) Target() *rpool.LocalTarget {
	return s.target
}

// Run listens on the configured addresses and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.cfg.Transport.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("node", s.cfg.NodeID).Str("addr", ln.Addr().String()).Msg("daemon listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- s.ServeAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()

	select {
	case err = <-serveErr:
	case err = <-adminErr:
		if err == nil {
			err = <-serveErr
		} else {
			stop()
			<-serveErr
		}
	}
	return errors.Join(err, s.Close())
}

// Serve runs the accept loop on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Transport.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// Close releases every session still open and the registry reference.
func (s *Service) Close() error {
	s.closeAllConns()
	return s.target.Close()
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	peer, err := s.cfg.Transport.Authenticate(conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("daemon transport auth failed")
		return
	}
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Transport.HandshakeTimeout))
	req, err := transport.ReadRequest(reader)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("daemon first request rejected")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger := log.With().Str("remote", remote).Str("peer", peer).Logger()
	if req.Op == transport.OpAttach {
		defer observability.TrackConnection("lane")()
		s.serveLane(conn, reader, req)
		return
	}
	defer observability.TrackConnection("control")()
	logger.Debug().Msg("daemon control connection open")
	s.serveControl(ctx, conn, reader, req)
	logger.Debug().Msg("daemon control connection closed")
}

// serveControl answers control requests until the connection drops. Sessions
// opened here live until pool.close or disconnect.
func (s *Service) serveControl(ctx context.Context, conn net.Conn, reader *bufio.Reader, req transport.Request) {
	owned := make(map[string]rpool.PoolInfo)
	defer func() {
		for id, info := range owned {
			if err := s.closeSession(ctx, info); err != nil {
				log.Warn().Str("pool", info.Name).Str("session_id", id).Err(err).Msg("daemon release on disconnect failed")
				continue
			}
			log.Info().Str("pool", info.Name).Str("session_id", id).Msg("daemon released session on disconnect")
		}
	}()

	for {
		reply := s.dispatch(ctx, req, owned)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Transport.WriteTimeout))
		if err := transport.WriteReply(conn, req.Op, reply); err != nil {
			log.Warn().Str("op", req.Op).Err(err).Msg("daemon write reply failed")
			return
		}
		_ = conn.SetWriteDeadline(time.Time{})

		next, err := transport.ReadRequest(reader)
		if err != nil {
			if !isClosedConn(err) {
				log.Warn().Err(err).Msg("daemon control read failed")
			}
			return
		}
		req = next
	}
}

func (s *Service) dispatch(ctx context.Context, req transport.Request, owned map[string]rpool.PoolInfo) transport.Reply {
	switch req.Op {
	case transport.OpCreate, transport.OpOpen:
		a, err := attr.DecodeHex(req.Attributes)
		if err != nil {
			return transport.RejectReply(fmt.Errorf("%w: %v", transport.ErrInvalidRequest, err))
		}
		var info rpool.PoolInfo
		if req.Op == transport.OpCreate {
			info, err = s.target.CreatePool(ctx, req.Name, req.Size, a)
		} else {
			info, err = s.target.OpenPool(ctx, req.Name, req.Size, a)
		}
		if err != nil {
			log.Debug().Str("op", req.Op).Str("pool", req.Name).Err(err).Msg("daemon request rejected")
			return transport.RejectReply(err)
		}
		owned[info.SessionID] = info
		return transport.Reply{
			Status:     transport.StatusOK,
			SessionID:  info.SessionID,
			Name:       info.Name,
			Capacity:   info.Capacity,
			Attributes: info.Attributes.EncodeHex(),
		}
	case transport.OpClose:
		info, ok := owned[req.SessionID]
		if !ok {
			return transport.RejectReply(fmt.Errorf("%w: %s", rpool.ErrUnknownSession, req.SessionID))
		}
		delete(owned, req.SessionID)
		if err := s.closeSession(ctx, info); err != nil {
			return transport.RejectReply(err)
		}
		return transport.Reply{Status: transport.StatusOK, SessionID: info.SessionID, Name: info.Name}
	case transport.OpRemove:
		if err := s.target.RemovePool(ctx, req.Name); err != nil {
			return transport.RejectReply(err)
		}
		return transport.Reply{Status: transport.StatusOK, Name: req.Name}
	default:
		return transport.RejectReply(fmt.Errorf("%w: %s on control connection", transport.ErrInvalidRequest, req.Op))
	}
}

// closeSession drops attached lane connections before releasing the
// registry reference.
func (s *Service) closeSession(ctx context.Context, info rpool.PoolInfo) error {
	s.attachMu.Lock()
	lanes := s.attached[info.SessionID]
	delete(s.attached, info.SessionID)
	err := s.target.ClosePool(ctx, info)
	s.attachMu.Unlock()
	for conn := range lanes {
		_ = conn.Close()
	}
	return err
}

// attach binds conn to a live session, bounded by MaxLanes.
func (s *Service) attach(sessionID string, conn net.Conn) (region.Region, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	r, ok := s.target.Region(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpool.ErrUnknownSession, sessionID)
	}
	set := s.attached[sessionID]
	if set == nil {
		set = make(map[net.Conn]struct{})
		s.attached[sessionID] = set
	}
	if len(set) >= s.cfg.MaxLanes {
		return nil, fmt.Errorf("%w: session %s has %d lanes", lane.ErrNoCapacity, sessionID, len(set))
	}
	set[conn] = struct{}{}
	return r, nil
}

func (s *Service) detach(sessionID string, conn net.Conn) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	set := s.attached[sessionID]
	delete(set, conn)
	if len(set) == 0 {
		delete(s.attached, sessionID)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
