package daemon

import (
	"bufio"
	"net"
	"time"

	"github.com/danmuck/poolrep/internal/observability"
	"github.com/danmuck/poolrep/internal/protocol/frame"
	"github.com/danmuck/poolrep/internal/protocol/schema"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/rs/zerolog/log"
)

// serveLane binds conn to the session named by req and answers data frames
// in arrival order. Writes are flushed before the ack leaves.
func (s *Service) serveLane(conn net.Conn, reader *bufio.Reader, req transport.Request) {
	logger := log.With().Str("session_id", req.SessionID).Str("remote", conn.RemoteAddr().String()).Logger()

	r, err := s.attach(req.SessionID, conn)
	reply := transport.Reply{Status: transport.StatusOK, SessionID: req.SessionID}
	if err != nil {
		reply = transport.RejectReply(err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Transport.WriteTimeout))
	if werr := transport.WriteReply(conn, req.Op, reply); werr != nil || err != nil {
		logger.Debug().AnErr("attach", err).AnErr("write", werr).Msg("daemon lane attach failed")
		if err == nil {
			s.detach(req.SessionID, conn)
		}
		return
	}
	defer s.detach(req.SessionID, conn)
	logger.Debug().Msg("daemon lane attached")

	limits := s.cfg.Transport.Limits()
	for {
		msg, err := s.readLaneFrame(conn, reader, limits)
		if err != nil {
			if !isClosedConn(err) {
				logger.Warn().Err(err).Msg("daemon lane read failed")
			}
			return
		}
		out, ok := handleLaneMessage(r, msg)
		if !ok {
			logger.Warn().Str("type", schema.MessageName(msg.Type)).Msg("daemon unexpected lane message")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Transport.WriteTimeout))
		if err := transport.WriteLaneMessage(conn, out, limits); err != nil {
			logger.Warn().Err(err).Msg("daemon lane write failed")
			return
		}
	}
}

// readLaneFrame waits without a deadline for the next frame to start, so an
// idle lane stays attached for the life of its session. Session close and
// TCP keepalive end the wait. Once a byte arrives the rest of the frame must
// land within ReadTimeout.
func (s *Service) readLaneFrame(conn net.Conn, reader *bufio.Reader, limits frame.Limits) (transport.LaneMessage, error) {
	_ = conn.SetReadDeadline(time.Time{})
	if _, err := reader.Peek(1); err != nil {
		return transport.LaneMessage{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Transport.ReadTimeout))
	return transport.ReadLaneMessage(reader, limits)
}

func handleLaneMessage(r region.Region, msg transport.LaneMessage) (transport.LaneMessage, bool) {
	switch msg.Type {
	case schema.MsgPersist:
		start := time.Now()
		err := persistChunk(r, msg.Data, msg.Offset)
		observability.RecordLaneRequest("remote_persist", len(msg.Data), time.Since(start), err)
		if err != nil {
			return transport.ErrorMessage(msg.ID, err), true
		}
		return transport.PersistAckMessage(msg.ID, msg.Offset, uint64(len(msg.Data))), true
	case schema.MsgRead:
		start := time.Now()
		buf := make([]byte, msg.Length)
		_, err := r.ReadAt(buf, int64(msg.Offset))
		observability.RecordLaneRequest("remote_read", len(buf), time.Since(start), err)
		if err != nil {
			return transport.ErrorMessage(msg.ID, err), true
		}
		return transport.ReadDataMessage(msg.ID, msg.Offset, buf), true
	default:
		return transport.LaneMessage{}, false
	}
}

func persistChunk(r region.Region, data []byte, off uint64) error {
	if _, err := r.WriteAt(data, int64(off)); err != nil {
		return err
	}
	return r.Flush(off, uint64(len(data)))
}
