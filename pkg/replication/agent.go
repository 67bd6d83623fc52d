package replication

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/wal"
	"github.com/google/uuid"
)

// LocalEngine is the narrow surface the agent needs from the replica's
// own storage engine to apply records pulled from the leader.
type LocalEngine interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// state is the agent's durable sync position, persisted so a restart
// resumes instead of re-streaming everything a leader has sealed.
type state struct {
	ReplicaID uuid.UUID `json:"replica_id"`
	Segment   uint64    `json:"segment"`
	Offset    uint32    `json:"offset"`
}

// AgentOptions configures a replica sync Agent.
type AgentOptions struct {
	LeaderAddr        string
	StateFile         string
	HeartbeatInterval time.Duration
	BackoffStart      time.Duration
	BackoffCap        time.Duration
	Logger            logging.Logger
}

// Agent connects to a leader's replication Server, pulls sealed WAL
// segments it hasn't applied yet, and replays them against a local
// engine — reconnecting with exponential backoff when the leader is
// unreachable.
type Agent struct {
	engine LocalEngine
	opts   AgentOptions
	logger logging.Logger

	mu    sync.Mutex
	state state

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAgent builds an Agent. It loads persisted sync state from
// opts.StateFile if present, otherwise starts a fresh replica identity
// at segment 0.
func NewAgent(engine LocalEngine, opts AgentOptions) (*Agent, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.BackoffStart <= 0 {
		opts.BackoffStart = 1 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	a := &Agent{
		engine: engine,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := a.loadState(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) loadState() error {
	if a.opts.StateFile == "" {
		a.state = state{ReplicaID: uuid.New()}
		return nil
	}
	data, err := os.ReadFile(a.opts.StateFile)
	if os.IsNotExist(err) {
		a.state = state{ReplicaID: uuid.New()}
		return a.saveState()
	}
	if err != nil {
		return fmt.Errorf("replication: read state file: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("replication: parse state file: %w", err)
	}
	if st.ReplicaID == uuid.Nil {
		st.ReplicaID = uuid.New()
	}
	a.state = st
	return nil
}

// saveState writes the current position via write-temp -> fsync ->
// rename -> fsync(dir), so a crash mid-write never leaves a
// half-written state file behind and the rename itself is durable
// before this call returns, mirroring how a sorted table is published.
func (a *Agent) saveState() error {
	if a.opts.StateFile == "" {
		return nil
	}
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(a.opts.StateFile)
	tmp, err := os.CreateTemp(dir, ".replica_state-*.tmp")
	if err != nil {
		return fmt.Errorf("replication: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("replication: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("replication: fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, a.opts.StateFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replication: rename state file: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

// Start runs the connect-sync-reconnect loop in a background goroutine.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Agent) run() {
	defer a.wg.Done()

	backoff := NewBackoff(a.opts.BackoffStart, a.opts.BackoffCap)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		start := time.Now()
		if err := a.connectAndSync(); err != nil {
			a.logger.Warn("replication: session with leader ended", logging.Error(err))
		}

		// A session that stayed up for a while was a real connection,
		// not a dial failure; don't punish the next attempt for it.
		if time.Since(start) > a.opts.BackoffCap {
			backoff.Reset()
		}

		select {
		case <-a.stopCh:
			return
		case <-time.After(backoff.Next()):
		}
	}
}

// connectAndSync dials the leader once and hands the connection to
// syncLoop, which owns every read and write on it for the life of the
// session — including heartbeats — so no second goroutine can race it
// on the wire. It returns once the connection drops or Stop is called,
// at which point the caller reconnects with backoff.
func (a *Agent) connectAndSync() error {
	conn, err := net.DialTimeout("tcp", a.opts.LeaderAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("replication: dial leader: %w", err)
	}
	defer conn.Close()

	a.logger.Info("connected to leader", logging.String("leader", a.opts.LeaderAddr))

	return a.syncLoop(conn)
}

// sendHeartbeat sends a heartbeat and reads back the server's Ack
// before returning, so no Ack frame is ever left on the wire for the
// next ListSealed/FetchSegment read to misinterpret. Caller must be
// the sole goroutine reading and writing conn.
func (a *Agent) sendHeartbeat(conn net.Conn) error {
	a.mu.Lock()
	id := a.state.ReplicaID
	a.mu.Unlock()

	if err := writeFrame(conn, MsgHeartbeat, encodeHeartbeat(id)); err != nil {
		return fmt.Errorf("replication: send heartbeat: %w", err)
	}
	msgType, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("replication: read heartbeat ack: %w", err)
	}
	if msgType == MsgError {
		pe, _ := decodeProtocolError(payload)
		return pe
	}
	if msgType != MsgHeartbeatAck {
		return fmt.Errorf("replication: unexpected reply type %d to heartbeat", msgType)
	}
	return nil
}

// syncLoop repeatedly lists sealed segments and fetches batches from
// the current position, applying each record to the local engine and
// persisting progress once a batch is durably applied. It also owns
// heartbeat timing: a heartbeat due check runs every iteration rather
// than on a separate goroutine, so only this loop ever touches conn.
// It returns nil once Stop is called, and otherwise returns only on a
// connection, protocol, or local apply error; exhausting the leader's
// sealed segments is not an error, it just pauses on a short idle
// sleep and retries.
func (a *Agent) syncLoop(conn net.Conn) error {
	nextHeartbeat := time.Now().Add(a.opts.HeartbeatInterval)
	for {
		select {
		case <-a.stopCh:
			return nil
		default:
		}

		if !time.Now().Before(nextHeartbeat) {
			if err := a.sendHeartbeat(conn); err != nil {
				return err
			}
			nextHeartbeat = time.Now().Add(a.opts.HeartbeatInterval)
		}

		if err := writeFrame(conn, MsgListSealed, nil); err != nil {
			return err
		}
		msgType, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		if msgType == MsgError {
			pe, _ := decodeProtocolError(payload)
			return pe
		}
		if msgType != MsgSealedReply {
			return fmt.Errorf("replication: unexpected reply type %d to ListSealed", msgType)
		}
		reply, err := decodeListSealedReply(payload)
		if err != nil {
			return err
		}

		a.mu.Lock()
		segment := a.state.Segment
		offset := a.state.Offset
		a.mu.Unlock()

		target, ok := targetSegment(reply, segment)
		if !ok {
			// Nothing sealed yet covers our position; idle and retry.
			time.Sleep(2 * time.Second)
			continue
		}
		if target != segment {
			segment, offset = target, 0
		}

		advanced, err := a.fetchAndApplyOne(conn, segment, offset)
		if err != nil {
			return err
		}
		if !advanced {
			time.Sleep(2 * time.Second)
		}
	}
}

// targetSegment picks the next sealed segment at or after current that
// the replica hasn't fully consumed; sealed segments are returned by
// the leader in ascending order. ok is false when every sealed segment
// is already behind current, meaning there's nothing new to fetch yet.
func targetSegment(reply ListSealedReply, current uint64) (segment uint64, ok bool) {
	for _, seg := range reply.Sealed {
		if seg >= current {
			return seg, true
		}
	}
	return 0, false
}

func (a *Agent) fetchAndApplyOne(conn net.Conn, segment uint64, offset uint32) (bool, error) {
	if err := writeFrame(conn, MsgFetchSegment, encodeFetchSegment(FetchSegment{Segment: segment, Offset: offset})); err != nil {
		return false, err
	}
	msgType, payload, err := readFrame(conn)
	if err != nil {
		return false, err
	}

	switch msgType {
	case MsgNoNewData:
		return false, nil
	case MsgError:
		pe, _ := decodeProtocolError(payload)
		if pe.Code == ErrCodeSegmentActive {
			return false, nil
		}
		return false, pe
	case MsgSyncResponse:
		resp, err := decodeSyncResponse(payload)
		if err != nil {
			return false, err
		}
		if err := a.applyBatch(resp); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("replication: unexpected reply type %d to FetchSegment", msgType)
	}
}

func (a *Agent) applyBatch(resp SyncResponse) error {
	for _, rec := range resp.Records {
		var err error
		if rec.Op == wal.OpDelete {
			err = a.engine.Delete(rec.Key)
		} else {
			err = a.engine.Put(rec.Key, rec.Value)
		}
		if err != nil {
			return fmt.Errorf("replication: apply record: %w", err)
		}
	}

	a.mu.Lock()
	a.state.Segment = resp.Segment
	a.state.Offset = resp.Offset + uint32(len(resp.Records))
	if !resp.HasMore {
		a.state.Segment = resp.Segment + 1
		a.state.Offset = 0
	}
	err := a.saveState()
	a.mu.Unlock()
	return err
}
