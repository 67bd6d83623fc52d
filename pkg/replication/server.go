package replication

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/metrics"
	"github.com/ddhadho/cityhall/pkg/wal"
	"github.com/google/uuid"
)

// SegmentSource is the narrow surface the server needs from the
// storage engine's WAL: enumerate and read sealed segments.
type SegmentSource interface {
	ListSealed() ([]uint64, error)
	CurrentSegment() uint64
	ReadSegment(n uint64) ([]*wal.Record, error)
	IsSealed(n uint64) bool
}

// Server accepts replica connections and serves ListSealed/FetchSegment
// requests, tracking each replica's last-synced segment so the engine
// can ask "what is the lowest segment any replica still needs" before
// reclaiming WAL space.
type Server struct {
	source SegmentSource
	logger logging.Logger
	rec    metrics.Recorder

	listener net.Listener

	mu       sync.Mutex
	replicas map[string]*replicaRecord
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type replicaRecord struct {
	lastSyncedSegment uint64
	lastSeen          time.Time
}

// Options configures a Server.
type Options struct {
	ListenAddr     string
	ReplicaTimeout time.Duration
	Logger         logging.Logger
	Metrics        metrics.Recorder
}

// NewServer builds a Server bound to source, not yet listening.
func NewServer(source SegmentSource, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Server{
		source:   source,
		logger:   logger,
		rec:      rec,
		replicas: make(map[string]*replicaRecord),
		stopCh:   make(chan struct{}),
	}
}

// Listen starts accepting replica connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replication: listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("replication server listening", logging.String("addr", addr))
	return nil
}

// Close stops accepting new connections, closes every open replica
// connection, and waits for their handlers to return.
func (s *Server) Close() error {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("replication: accept failed", logging.Error(err))
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	replicaID := conn.RemoteAddr().String()
	s.logger.Info("replica connected", logging.String("replica", replicaID))

	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			s.logger.Info("replica disconnected", logging.String("replica", replicaID), logging.Error(err))
			// A replica known by its heartbeat UUID keeps its entry across
			// reconnects; only address-keyed entries are dropped here.
			if replicaID == conn.RemoteAddr().String() {
				s.forgetReplica(replicaID)
			}
			return
		}

		next, err := s.dispatch(conn, replicaID, msgType, payload)
		if err != nil {
			s.logger.Warn("replication: handler error", logging.String("replica", replicaID), logging.Error(err))
			return
		}
		if next != "" {
			replicaID = next
		}
	}
}

// dispatch handles one frame and returns the replica's identity if the
// frame established or confirmed one (a heartbeat carrying a UUID),
// empty otherwise.
func (s *Server) dispatch(conn net.Conn, replicaID string, msgType MessageType, payload []byte) (string, error) {
	switch msgType {
	case MsgListSealed:
		return "", s.handleListSealed(conn)
	case MsgFetchSegment:
		return "", s.handleFetchSegment(conn, replicaID, payload)
	case MsgHeartbeat:
		return s.handleHeartbeat(conn, replicaID, payload)
	default:
		return "", writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("unknown message type %d", msgType),
		}))
	}
}

func (s *Server) handleListSealed(conn net.Conn) error {
	sealed, err := s.source.ListSealed()
	if err != nil {
		return writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{Code: ErrCodeInternal, Message: err.Error()}))
	}
	reply := ListSealedReply{Sealed: sealed, Current: s.source.CurrentSegment()}
	return writeFrame(conn, MsgSealedReply, encodeListSealedReply(reply))
}

func (s *Server) handleFetchSegment(conn net.Conn, replicaID string, payload []byte) error {
	req, err := decodeFetchSegment(payload)
	if err != nil {
		return writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{Code: ErrCodeInternal, Message: err.Error()}))
	}

	if req.Segment >= s.source.CurrentSegment() {
		return writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{
			Code:    ErrCodeSegmentActive,
			Message: fmt.Sprintf("segment %d is still active", req.Segment),
		}))
	}

	records, err := s.source.ReadSegment(req.Segment)
	if err != nil {
		return writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{
			Code:    ErrCodeSegmentNotAvailable,
			Message: err.Error(),
		}))
	}

	if int(req.Offset) >= len(records) {
		s.recordProgress(replicaID, req.Segment)
		return writeFrame(conn, MsgNoNewData, nil)
	}

	end := int(req.Offset) + BatchLimit
	hasMore := end < len(records)
	if end > len(records) {
		end = len(records)
	}

	resp := SyncResponse{
		Segment: req.Segment,
		Offset:  req.Offset,
		Records: records[req.Offset:end],
		HasMore: hasMore,
	}
	encoded, err := encodeSyncResponse(resp)
	if err != nil {
		return writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{Code: ErrCodeInternal, Message: err.Error()}))
	}

	if !hasMore {
		s.recordProgress(replicaID, req.Segment)
	}
	s.rec.IncReplicationWALEntries(len(resp.Records))
	return writeFrame(conn, MsgSyncResponse, encoded)
}

func (s *Server) handleHeartbeat(conn net.Conn, replicaID string, payload []byte) (string, error) {
	id, err := decodeHeartbeat(payload)
	if err != nil {
		return "", writeFrame(conn, MsgError, encodeProtocolError(ProtocolError{Code: ErrCodeInternal, Message: err.Error()}))
	}
	if id != uuid.Nil {
		replicaID = id.String()
	}

	s.mu.Lock()
	if r, ok := s.replicas[replicaID]; ok {
		r.lastSeen = time.Now()
	} else {
		s.replicas[replicaID] = &replicaRecord{lastSeen: time.Now()}
	}
	s.rec.SetConnectedReplicas(len(s.replicas))
	s.mu.Unlock()
	return replicaID, writeFrame(conn, MsgHeartbeatAck, nil)
}

func (s *Server) recordProgress(replicaID string, segment uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[replicaID]
	if !ok {
		r = &replicaRecord{}
		s.replicas[replicaID] = r
	}
	if segment > r.lastSyncedSegment {
		r.lastSyncedSegment = segment
	}
	r.lastSeen = time.Now()
}

func (s *Server) forgetReplica(replicaID string) {
	s.mu.Lock()
	delete(s.replicas, replicaID)
	s.rec.SetConnectedReplicas(len(s.replicas))
	s.mu.Unlock()
}

// MinSyncedSegment returns the lowest last-synced segment among
// replicas heard from within timeout, or 0 if none are registered —
// feeding the engine's retention decision (a 0 means "don't let any
// replica hold back cleanup").
func (s *Server) MinSyncedSegment(timeout time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min uint64
	first := true
	now := time.Now()
	for _, r := range s.replicas {
		if timeout > 0 && now.Sub(r.lastSeen) > timeout {
			continue
		}
		if first || r.lastSyncedSegment < min {
			min = r.lastSyncedSegment
			first = false
		}
	}
	return min
}
