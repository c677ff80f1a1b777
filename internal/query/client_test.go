package query

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sampwatch/sampwatch/internal/admission"
)

func caller() admission.Caller {
	return admission.Caller{Context: "test"}
}

// fakeGameServer answers SA:MP query datagrams on loopback. Opcodes in
// drop are ignored, which the client sees as a timeout.
type fakeGameServer struct {
	conn net.PacketConn

	info    BasicInfo
	rules   [][2]string
	players []Player
	openMP  bool

	drop map[byte]bool

	mu   sync.Mutex
	hits map[byte]int
}

func newFakeGameServer(t *testing.T) *fakeGameServer {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	f := &fakeGameServer{
		conn: conn,
		drop: map[byte]bool{},
		hits: map[byte]int{},
	}
	go f.serve()
	t.Cleanup(func() { _ = conn.Close() })

	return f
}

func (f *fakeGameServer) target() Server {
	addr := f.conn.LocalAddr().(*net.UDPAddr)
	return Server{Host: "127.0.0.1", Port: addr.Port}
}

func (f *fakeGameServer) hitCount(op byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[op]
}

func (f *fakeGameServer) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < headerSize {
			continue
		}
		req := buf[:n]
		op := req[10]

		f.mu.Lock()
		f.hits[op]++
		dropped := f.drop[op]
		f.mu.Unlock()
		if dropped {
			continue
		}

		// Echo the request header so address, port, and opcode match.
		resp := append([]byte(nil), req[:headerSize]...)
		switch op {
		case OpInfo:
			resp = append(resp, 0)
			resp = binary.LittleEndian.AppendUint16(resp, uint16(f.info.Players))
			resp = binary.LittleEndian.AppendUint16(resp, uint16(f.info.MaxPlayers))
			for _, s := range []string{f.info.Hostname, f.info.Gamemode, f.info.Language} {
				resp = binary.LittleEndian.AppendUint32(resp, uint32(len(s)))
				resp = append(resp, s...)
			}
		case OpRules:
			resp = binary.LittleEndian.AppendUint16(resp, uint16(len(f.rules)))
			for _, rule := range f.rules {
				resp = append(resp, byte(len(rule[0])))
				resp = append(resp, rule[0]...)
				resp = append(resp, byte(len(rule[1])))
				resp = append(resp, rule[1]...)
			}
		case OpPlayers:
			resp = binary.LittleEndian.AppendUint16(resp, uint16(len(f.players)))
			for _, p := range f.players {
				resp = append(resp, byte(len(p.Name)))
				resp = append(resp, p.Name...)
				resp = binary.LittleEndian.AppendUint32(resp, uint32(p.Score))
			}
		case OpDetailed:
			resp = binary.LittleEndian.AppendUint16(resp, uint16(len(f.players)))
			for i, p := range f.players {
				resp = append(resp, byte(i))
				resp = append(resp, byte(len(p.Name)))
				resp = append(resp, p.Name...)
				resp = binary.LittleEndian.AppendUint32(resp, uint32(p.Score))
				resp = binary.LittleEndian.AppendUint32(resp, 25)
			}
		case OpPing:
			if n >= headerSize+4 {
				resp = append(resp, req[headerSize:headerSize+4]...)
			}
		case OpExtra:
			if !f.openMP {
				continue
			}
			resp = binary.LittleEndian.AppendUint32(resp, 0)
		}

		if _, err := f.conn.WriteTo(resp, addr); err != nil {
			return
		}
	}
}

func newTestClient() *Client {
	c := New(nil)
	c.Timeout = 250 * time.Millisecond
	return c
}

func TestClientInfo(t *testing.T) {
	fake := newFakeGameServer(t)
	fake.info = BasicInfo{Players: 12, MaxPlayers: 50, Hostname: "Test Server", Gamemode: "freeroam", Language: "English"}

	info, err := newTestClient().Info(fake.target(), caller())
	if err != nil {
		t.Fatalf("Info() error: %v", err)
	}
	if info.Players != 12 || info.Hostname != "Test Server" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestClientInfoUnreachable(t *testing.T) {
	fake := newFakeGameServer(t)
	fake.drop[OpInfo] = true

	_, err := newTestClient().Info(fake.target(), caller())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Info() error = %v, want ErrUnavailable", err)
	}
}

func TestClientPing(t *testing.T) {
	fake := newFakeGameServer(t)

	rtt, err := newTestClient().Ping(fake.target(), caller())
	if err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("Ping() = %v, want positive duration", rtt)
	}
}

func TestClientRules(t *testing.T) {
	fake := newFakeGameServer(t)
	fake.rules = [][2]string{{"weather", "10"}, {"version", "0.3.7"}}

	rules, err := newTestClient().Rules(fake.target(), caller())
	if err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if rules["weather"] != "10" {
		t.Errorf("Rules() = %v", rules)
	}
}

func TestClientIsOpenMPSignals(t *testing.T) {
	tests := []struct {
		name   string
		openMP bool
		rules  [][2]string
		want   bool
	}{
		{"extra probe answers", true, nil, true},
		{"allowed_clients rule", false, [][2]string{{"allowed_clients", "0.3.7"}}, true},
		{"version marker", false, [][2]string{{"version", "omp 1.2.0.2670"}}, true},
		{"stock samp", false, [][2]string{{"version", "0.3.7-R2"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeGameServer(t)
			fake.openMP = tt.openMP
			fake.rules = tt.rules

			got, err := newTestClient().IsOpenMP(fake.target(), caller())
			if err != nil {
				t.Fatalf("IsOpenMP() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsOpenMP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFullInfoPlayerListGate(t *testing.T) {
	tests := []struct {
		name      string
		players   int
		wantLists bool
	}{
		{"zero players skips lists", 0, false},
		{"42 players fetches lists", 42, true},
		{"150 players skips lists", 150, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeGameServer(t)
			fake.info = BasicInfo{Players: tt.players, MaxPlayers: 200, Hostname: "h", Gamemode: "g", Language: "l"}
			fake.players = []Player{{Name: "Alice", Score: 1}}

			full, err := newTestClient().FullInfo(fake.target(), caller())
			if err != nil {
				t.Fatalf("FullInfo() error: %v", err)
			}
			if full.Info.Players != tt.players {
				t.Errorf("Info.Players = %d", full.Info.Players)
			}

			gotLists := fake.hitCount(OpPlayers) > 0 || fake.hitCount(OpDetailed) > 0
			if gotLists != tt.wantLists {
				t.Errorf("player list queries issued = %v, want %v", gotLists, tt.wantLists)
			}
		})
	}
}

func TestFullInfoSurvivesPartialFailure(t *testing.T) {
	fake := newFakeGameServer(t)
	fake.info = BasicInfo{Players: 2, MaxPlayers: 10, Hostname: "h", Gamemode: "g", Language: "l"}
	fake.players = []Player{{Name: "Alice", Score: 1}, {Name: "Bob", Score: 2}}
	fake.drop[OpRules] = true
	fake.drop[OpPing] = true

	full, err := newTestClient().FullInfo(fake.target(), caller())
	if err != nil {
		t.Fatalf("FullInfo() error: %v", err)
	}
	if full.Info == nil || len(full.Players) != 2 {
		t.Errorf("FullInfo() = %+v, want info and players despite rules/ping failure", full)
	}
	if full.Rules != nil {
		t.Errorf("Rules = %v, want absent", full.Rules)
	}
	if full.Ping != 0 {
		t.Errorf("Ping = %v, want zero", full.Ping)
	}
}
