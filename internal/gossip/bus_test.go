package gossip

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

type fakeMempool struct {
	mu    sync.Mutex
	added []*tx.Transaction
	admit bool
}

func (f *fakeMempool) Add(t *tx.Transaction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, t)
	return f.admit
}

func (f *fakeMempool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fakeNeighbors struct {
	addrs []string
}

func (f fakeNeighbors) Neighbors() []string { return f.addrs }

func testTx(salt byte) *tx.Transaction {
	return tx.NewBuilder().
		AddCoinbaseInput(tx.VoteProof{Target: types.Address{salt}, Voters: []types.Address{{salt}}}, tx.DelayParams{}).
		AddOutput(uint64(salt)+1, types.Address{salt}).
		SetTimestamp(uint64(salt) + 100).
		Build()
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestBus_ListenAndServe_AdmitsAndRequeues(t *testing.T) {
	addr := freeUDPAddr(t)
	mp := &fakeMempool{admit: true}
	b := New(addr, mp, fakeNeighbors{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.ListenAndServe(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var conn *net.UDPConn
	var err error
	for time.Now().Before(deadline) {
		udpAddr, rerr := net.ResolveUDPAddr("udp", addr)
		if rerr != nil {
			t.Fatalf("resolve: %v", rerr)
		}
		conn, err = net.DialUDP("udp", nil, udpAddr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	txn := testTx(1)
	data, err := json.Marshal(txn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && mp.count() == 0 {
		conn.Write(data)
		time.Sleep(20 * time.Millisecond)
	}
	if mp.count() == 0 {
		t.Fatal("mempool never received the gossiped transaction")
	}

	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()
	if queued == 0 {
		t.Error("admitted transaction should have been requeued for relay")
	}
}

func TestBus_Sample_ExcludesSelfAndHalvesNeighbors(t *testing.T) {
	neighbors := make([]string, 10)
	for i := range neighbors {
		neighbors[i] = "127.0.0.1:" + strconv.Itoa(9000+i)
	}
	self := neighbors[0]
	b := New("127.0.0.1:0", &fakeMempool{}, fakeNeighbors{addrs: neighbors}, self)

	got := b.sample()
	if len(got) != 5 {
		t.Fatalf("sample size = %d, want 5 (half of the 9 remaining neighbors, rounded up)", len(got))
	}
	for _, addr := range got {
		if addr == self {
			t.Errorf("sample included self address %s", addr)
		}
	}
}

func TestBus_Sample_EmptyNeighbors(t *testing.T) {
	b := New("127.0.0.1:0", &fakeMempool{}, fakeNeighbors{}, "")
	if got := b.sample(); got != nil {
		t.Errorf("sample() = %v, want nil for no neighbors", got)
	}
}

func TestBus_Relay_SendsToSampledTargets(t *testing.T) {
	addr1 := freeUDPAddr(t)
	addr2 := freeUDPAddr(t)

	recv1, _ := net.ListenPacket("udp", addr1)
	defer recv1.Close()
	recv2, _ := net.ListenPacket("udp", addr2)
	defer recv2.Close()

	b := New("127.0.0.1:0", &fakeMempool{}, fakeNeighbors{addrs: []string{addr1, addr2}}, "")
	sendConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("open send socket: %v", err)
	}
	defer sendConn.Close()

	txn := testTx(2)
	b.relay(sendConn, txn)

	buf := make([]byte, maxDatagramBytes)
	recv1.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv2.SetReadDeadline(time.Now().Add(2 * time.Second))

	got1 := readOrZero(t, recv1, buf)
	got2 := readOrZero(t, recv2, buf)
	if got1+got2 == 0 {
		t.Error("neither neighbor received the relayed transaction")
	}
}

func readOrZero(t *testing.T, conn net.PacketConn, buf []byte) int {
	t.Helper()
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return 0
	}
	return n
}
