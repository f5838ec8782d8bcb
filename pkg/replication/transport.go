// Cluster transport: a dedicated TCP port carrying length-prefixed JSON
// messages between the two nodes of an HA standby pair, kept separate from
// the client-facing command port. The message set is limited to heartbeats
// and command escalation; data replication is out of scope.
package replication

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/wire"
)

type clusterMsgType uint8

const (
	msgHeartbeatRequest clusterMsgType = iota + 1
	msgHeartbeatResponse
	msgEscalateRequest
	msgEscalateResponse
)

type clusterEnvelope struct {
	Type    clusterMsgType  `json:"t"`
	Payload json.RawMessage `json:"p"`
}

type escalateWire struct {
	ID         string `json:"id"`
	MethodLine string `json:"method_line"`
	Headers    []command.Header `json:"headers"`
	Body       []byte `json:"body"`
}

// ErrPeerUnreachable wraps the underlying dial/write/read failure so
// callers can treat every transport failure the same way (heartbeat miss).
var ErrPeerUnreachable = errors.New("replication: peer unreachable")

// TCPPeerLink is a PeerLink backed by a persistent TCP connection, redialed
// on demand if dropped.
type TCPPeerLink struct {
	addr string
	dial time.Duration

	mu   sync.Mutex
	conn net.Conn

	// callMu serializes whole round trips: heartbeats (from the Sync
	// Coordinator's tick) and escalations (from worker goroutines) share
	// one connection, and interleaving two in-flight writes/reads on it
	// would corrupt the length-prefixed stream.
	callMu sync.Mutex
}

// NewTCPPeerLink constructs a link to the peer's cluster port at addr.
func NewTCPPeerLink(addr string) *TCPPeerLink {
	return &TCPPeerLink{addr: addr, dial: 2 * time.Second}
}

func (l *TCPPeerLink) ensureConn(ctx context.Context) (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	d := net.Dialer{Timeout: l.dial}
	conn, err := d.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	l.conn = conn
	return conn, nil
}

func (l *TCPPeerLink) dropConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func (l *TCPPeerLink) roundTrip(ctx context.Context, req clusterEnvelope) (clusterEnvelope, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	conn, err := l.ensureConn(ctx)
	if err != nil {
		return clusterEnvelope{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeEnvelope(conn, req); err != nil {
		l.dropConn()
		return clusterEnvelope{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	resp, err := readEnvelope(conn)
	if err != nil {
		l.dropConn()
		return clusterEnvelope{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return resp, nil
}

func (l *TCPPeerLink) SendHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	payload, _ := json.Marshal(req)
	resp, err := l.roundTrip(ctx, clusterEnvelope{Type: msgHeartbeatRequest, Payload: payload})
	if err != nil {
		return HeartbeatResponse{}, err
	}
	var hb HeartbeatResponse
	if err := json.Unmarshal(resp.Payload, &hb); err != nil {
		return HeartbeatResponse{}, err
	}
	return hb, nil
}

func (l *TCPPeerLink) SendEscalation(ctx context.Context, cmd *command.Command) (*command.Command, error) {
	payload, _ := json.Marshal(escalateWire{
		ID:         cmd.ID,
		MethodLine: cmd.Request.MethodLine,
		Headers:    cmd.Request.Headers,
		Body:       cmd.Request.Body,
	})
	resp, err := l.roundTrip(ctx, clusterEnvelope{Type: msgEscalateRequest, Payload: payload})
	if err != nil {
		return nil, err
	}
	var ew escalateWire
	if err := json.Unmarshal(resp.Payload, &ew); err != nil {
		return nil, err
	}
	out := command.NewPeerCommand(0)
	out.ID = ew.ID
	out.Response = wire.Status(ew.MethodLine)
	out.Response.Headers = ew.Headers
	out.Response.Body = ew.Body
	out.MarkComplete()
	return out, nil
}

func (l *TCPPeerLink) Close() error {
	l.dropConn()
	return nil
}

// ListenCluster accepts peer connections on addr and dispatches each
// envelope to handleHeartbeat/handleEscalation, replying with the matching
// response type. It blocks until ctx is cancelled.
func ListenCluster(ctx context.Context, addr string, handleHeartbeat func(HeartbeatRequest) HeartbeatResponse, handleEscalation func(*command.Command) *command.Command) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveClusterConn(conn, handleHeartbeat, handleEscalation)
	}
}

func serveClusterConn(conn net.Conn, handleHeartbeat func(HeartbeatRequest) HeartbeatResponse, handleEscalation func(*command.Command) *command.Command) {
	defer conn.Close()
	for {
		req, err := readEnvelope(conn)
		if err != nil {
			return
		}
		switch req.Type {
		case msgHeartbeatRequest:
			var hb HeartbeatRequest
			if err := json.Unmarshal(req.Payload, &hb); err != nil {
				return
			}
			respPayload, _ := json.Marshal(handleHeartbeat(hb))
			if err := writeEnvelope(conn, clusterEnvelope{Type: msgHeartbeatResponse, Payload: respPayload}); err != nil {
				return
			}
		case msgEscalateRequest:
			var ew escalateWire
			if err := json.Unmarshal(req.Payload, &ew); err != nil {
				return
			}
			cmd := command.NewPeerCommand(0)
			cmd.ID = ew.ID
			cmd.Request.MethodLine = ew.MethodLine
			cmd.Request.Headers = ew.Headers
			cmd.Request.Body = ew.Body

			result := handleEscalation(cmd)
			respPayload, _ := json.Marshal(escalateWire{
				ID:         result.ID,
				MethodLine: result.Response.MethodLine,
				Headers:    result.Response.Headers,
				Body:       result.Response.Body,
			})
			if err := writeEnvelope(conn, clusterEnvelope{Type: msgEscalateResponse, Payload: respPayload}); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEnvelope(w io.Writer, env clusterEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readEnvelope reads directly off r with no intervening buffering: callers
// share one connection across many sequential calls, so a bufio.Reader
// created fresh per call would silently drop any bytes it over-read and
// buffered on the previous call.
func readEnvelope(r io.Reader) (clusterEnvelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return clusterEnvelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return clusterEnvelope{}, err
	}
	var env clusterEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return clusterEnvelope{}, err
	}
	return env, nil
}
