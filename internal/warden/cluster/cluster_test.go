package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/warden/gateway"
	"github.com/wardenhq/warden/internal/warden/store"
)

func TestLockKeysDeterministic(t *testing.T) {
	a1, a2 := lockKeys("warden-leader")
	b1, b2 := lockKeys("warden-leader")
	if a1 != b1 || a2 != b2 {
		t.Fatal("lock keys not deterministic")
	}
	c1, c2 := lockKeys("warden-scheduler:cleanup")
	if a1 == c1 && a2 == c2 {
		t.Fatal("distinct lock names produced identical keys")
	}
}

func TestStandaloneElectorAlwaysLeads(t *testing.T) {
	e := NewStandaloneElector()
	events := make(chan bool, 1)
	e.Subscribe(func(isLeader bool) { events <- isLeader })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case isLeader := <-events:
		if !isLeader {
			t.Fatal("listener saw isLeader=false")
		}
	case <-time.After(time.Second):
		t.Fatal("listener never fired")
	}
	if !e.IsLeader() {
		t.Fatal("IsLeader = false")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
}

func TestLocalLocksContend(t *testing.T) {
	l := NewLocalLocks()
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "job-a")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryAcquire(ctx, "job-a"); ok {
		t.Fatal("second acquire succeeded while held")
	}
	// A different name is independent.
	r2, ok, _ := l.TryAcquire(ctx, "job-b")
	if !ok {
		t.Fatal("unrelated lock blocked")
	}
	r2()

	release()
	r3, ok, _ := l.TryAcquire(ctx, "job-a")
	if !ok {
		t.Fatal("acquire after release failed")
	}
	r3()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistryHeartbeatAndPeers(t *testing.T) {
	s := openStore(t)
	r := NewRegistry(RegistryConfig{NodeID: "node-a", WSURL: "ws://a:9000/ws", Interval: 10 * time.Millisecond}, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if peers, _ := r.Peers(context.Background()); len(peers) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	peers, err := r.Peers(context.Background())
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 1 || peers[0].NodeID != "node-a" || peers[0].WSURL != "ws://a:9000/ws" {
		t.Fatalf("peers = %+v", peers)
	}

	// Shutdown removes the row.
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	nodes, err := s.ListNodes(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("node row survived shutdown: %+v", nodes)
	}
}

func TestNodeForPlacement(t *testing.T) {
	s := openStore(t)
	f := NewForwarder(ForwarderConfig{NodeID: "node-a", AuthToken: "t"}, s)
	ctx := context.Background()

	mustCreate := func(id, node string) {
		a := &store.Agent{ID: id, Name: id, State: "ready"}
		if node != "" {
			a.NodeID = sql.NullString{String: node, Valid: true}
		}
		if err := s.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create agent: %v", err)
		}
	}
	mustCreate("here", "node-a")
	mustCreate("there", "node-b")
	mustCreate("unplaced", "")

	cases := []struct {
		agent string
		node  string
		local bool
	}{
		{"here", "node-a", true},
		{"there", "node-b", false},
		{"unplaced", "node-a", true},
		{"missing", "node-a", true},
	}
	for _, tc := range cases {
		node, local, err := f.NodeFor(ctx, tc.agent)
		if err != nil {
			t.Fatalf("NodeFor(%s): %v", tc.agent, err)
		}
		if node != tc.node || local != tc.local {
			t.Errorf("NodeFor(%s) = (%s, %v), want (%s, %v)", tc.agent, node, local, tc.node, tc.local)
		}
	}
}

func TestForwardUnknownNode(t *testing.T) {
	s := openStore(t)
	f := NewForwarder(ForwarderConfig{NodeID: "node-a", AuthToken: "t"}, s)
	_, err := f.Forward(context.Background(), "node-z", gateway.Frame{Type: gateway.TypeAgentTask, ID: "x"})
	if !errors.Is(err, ErrNodeUnknown) {
		t.Fatalf("err = %v, want ErrNodeUnknown", err)
	}
}

// echoHandler answers every forwarded task with a result carrying its id.
type echoHandler struct{}

func (echoHandler) HandleFrame(ctx context.Context, c gateway.Session, f gateway.Frame) {
	payload, _ := json.Marshal(map[string]string{"echo": f.Type})
	_ = c.Send(gateway.Frame{Type: gateway.TypeResult, ID: f.ID, Payload: payload})
}

func TestForwardRoundTrip(t *testing.T) {
	const token = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	srv := gateway.NewServer(gateway.Config{AuthToken: token, Handler: echoHandler{}})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	s := openStore(t)
	if err := s.UpsertNode(context.Background(), "node-b", wsURL); err != nil {
		t.Fatalf("upsert node: %v", err)
	}

	f := NewForwarder(ForwarderConfig{NodeID: "node-a", AuthToken: token, Timeout: 2 * time.Second}, s)
	defer f.Close()

	reply, err := f.Forward(context.Background(), "node-b",
		gateway.Frame{Type: gateway.TypeAgentTask, ID: "orig-1", Payload: json.RawMessage(`{"agentId":"x"}`)})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if reply.Type != gateway.TypeResult || reply.ID != "orig-1" {
		t.Fatalf("reply = %+v", reply)
	}

	// The connection is reused for the next forward.
	if _, err := f.Forward(context.Background(), "node-b",
		gateway.Frame{Type: gateway.TypeAgentTask, ID: "orig-2"}); err != nil {
		t.Fatalf("second forward: %v", err)
	}
}
