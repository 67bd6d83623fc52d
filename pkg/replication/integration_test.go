package replication

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ddhadho/cityhall/pkg/wal"
	"github.com/stretchr/testify/require"
)

type fakeLocalEngine struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeLocalEngine() *fakeLocalEngine {
	return &fakeLocalEngine{data: make(map[string]string)}
}

func (f *fakeLocalEngine) Put(key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[string(key)] = string(value)
	return nil
}

func (f *fakeLocalEngine) Delete(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, string(key))
	return nil
}

func (f *fakeLocalEngine) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeLocalEngine) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestAgentCatchesUpFromLeader drives a real Server against a real WAL,
// with an Agent pulling over an actual loopback TCP connection, and
// checks that every record written and sealed on the leader side ends
// up applied on the replica side.
func TestAgentCatchesUpFromLeader(t *testing.T) {
	leaderDir := t.TempDir()
	// A tight segment limit forces these five records to fill and seal
	// segment 1 once the next append overflows it, so the agent has a
	// sealed segment to fetch.
	w, err := wal.Open(leaderDir, wal.Options{SegmentLimit: 160})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(&wal.Record{
			Key:       []byte(fmt.Sprintf("key-%d", i)),
			Value:     []byte(fmt.Sprintf("val-%d", i)),
			Timestamp: uint64(i + 1),
			Op:        wal.OpPut,
		}))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Append(&wal.Record{Key: []byte("trigger"), Timestamp: 99, Op: wal.OpPut}))
	require.NoError(t, w.Flush())

	srv := NewServer(w, Options{})
	addr := freePort(t)
	require.NoError(t, srv.Listen(addr))
	defer srv.Close()

	engine := newFakeLocalEngine()
	agent, err := NewAgent(engine, AgentOptions{
		LeaderAddr:        addr,
		StateFile:         filepath.Join(t.TempDir(), "replica_state.json"),
		HeartbeatInterval: 50 * time.Millisecond,
		BackoffStart:      10 * time.Millisecond,
		BackoffCap:        200 * time.Millisecond,
	})
	require.NoError(t, err)

	agent.Start()
	defer agent.Stop()

	require.Eventually(t, func() bool {
		v, ok := engine.get("key-0")
		return ok && v == "val-0"
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		v, ok := engine.get("key-4")
		return ok && v == "val-4"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServerRejectsFetchOfActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, wal.Options{SegmentLimit: 1 << 20})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(&wal.Record{Key: []byte("a"), Value: []byte("1"), Timestamp: 1, Op: wal.OpPut}))
	require.NoError(t, w.Flush())

	srv := NewServer(w, Options{})
	addr := freePort(t)
	require.NoError(t, srv.Listen(addr))
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, MsgFetchSegment, encodeFetchSegment(FetchSegment{Segment: w.CurrentSegment(), Offset: 0})))
	msgType, payload, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, MsgError, msgType)

	pe, err := decodeProtocolError(payload)
	require.NoError(t, err)
	require.Equal(t, ErrCodeSegmentActive, pe.Code)
}

func TestServerListSealedOverWire(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, wal.Options{SegmentLimit: 1 << 20})
	require.NoError(t, err)
	defer w.Close()

	srv := NewServer(w, Options{})
	addr := freePort(t)
	require.NoError(t, srv.Listen(addr))
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, MsgListSealed, nil))
	msgType, payload, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, MsgSealedReply, msgType)

	reply, err := decodeListSealedReply(payload)
	require.NoError(t, err)
	require.Empty(t, reply.Sealed)
	require.Equal(t, w.CurrentSegment(), reply.Current)
}
