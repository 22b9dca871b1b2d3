package sipua

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doorbridge/doorbridge/internal/config"
	"github.com/doorbridge/doorbridge/internal/media"
)

// stationSDP is a typical door station offer: PCMA preferred, PCMU as
// fallback, telephone-event for keypad digits.
const stationSDP = "v=0\r\n" +
	"o=door 1 1 IN IP4 127.0.0.1\r\n" +
	"s=doorcall\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 8 0 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-15\r\n"

// sipMsg is a loosely parsed SIP datagram for wire-level assertions.
type sipMsg struct {
	start   string
	headers map[string][]string
	body    string
}

func parseSIPMsg(raw string) sipMsg {
	msg := sipMsg{headers: make(map[string][]string)}
	head, body, _ := strings.Cut(raw, "\r\n\r\n")
	msg.body = body
	lines := strings.Split(head, "\r\n")
	if len(lines) > 0 {
		msg.start = lines[0]
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		msg.headers[key] = append(msg.headers[key], strings.TrimSpace(value))
	}
	return msg
}

func (m sipMsg) header(name string) string {
	vals := m.headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (m sipMsg) method() string {
	fields := strings.Fields(m.start)
	if len(fields) == 0 || strings.HasPrefix(m.start, "SIP/2.0") {
		return ""
	}
	return fields[0]
}

func (m sipMsg) statusCode() int {
	if !strings.HasPrefix(m.start, "SIP/2.0") {
		return 0
	}
	fields := strings.Fields(m.start)
	if len(fields) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(fields[1])
	return code
}

func (m sipMsg) cseqMethod() string {
	fields := strings.Fields(m.header("CSeq"))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// tagOf extracts the tag parameter from a From/To header value.
func tagOf(headerValue string) string {
	idx := strings.Index(headerValue, "tag=")
	if idx < 0 {
		return ""
	}
	rest := headerValue[idx+len("tag="):]
	if end := strings.IndexAny(rest, ";> \t"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// sipResponse builds a response that echoes the dialog-identifying
// headers of req, the way a minimal registrar or station would.
func sipResponse(req sipMsg, code int, reason string, extra []string, body string) []byte {
	lines := []string{fmt.Sprintf("SIP/2.0 %d %s", code, reason)}
	for _, via := range req.headers["via"] {
		lines = append(lines, "Via: "+via)
	}
	lines = append(lines, "From: "+req.header("From"))
	to := req.header("To")
	if !strings.Contains(to, "tag=") {
		to += ";tag=remote1"
	}
	lines = append(lines, "To: "+to)
	lines = append(lines, "Call-ID: "+req.header("Call-ID"))
	lines = append(lines, "CSeq: "+req.header("CSeq"))
	lines = append(lines, extra...)
	lines = append(lines, fmt.Sprintf("Content-Length: %d", len(body)))
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n" + body)
}

// freeUDPPort reserves an ephemeral UDP port and releases it again so
// the engine can bind it.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("reserving udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// fakeRegistrar is a scripted registrar on a loopback UDP socket. The
// respond callback decides what each request gets back; nil means stay
// silent.
type fakeRegistrar struct {
	t    *testing.T
	conn *net.UDPConn

	mu      sync.Mutex
	reqs    []sipMsg
	respond func(req sipMsg) [][]byte
}

func newFakeRegistrar(t *testing.T, respond func(req sipMsg) [][]byte) *fakeRegistrar {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("binding fake registrar: %v", err)
	}
	f := &fakeRegistrar{t: t, conn: conn, respond: respond}
	go f.serve()
	t.Cleanup(func() { conn.Close() })
	return f
}

func (f *fakeRegistrar) port() int {
	return f.conn.LocalAddr().(*net.UDPAddr).Port
}

func (f *fakeRegistrar) serve() {
	buf := make([]byte, 8192)
	for {
		n, src, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := parseSIPMsg(string(buf[:n]))
		f.mu.Lock()
		f.reqs = append(f.reqs, msg)
		respond := f.respond
		f.mu.Unlock()
		if respond == nil {
			continue
		}
		for _, out := range respond(msg) {
			f.conn.WriteToUDP(out, src)
		}
	}
}

// requests returns the received messages with the given method,
// including transport retransmissions.
func (f *fakeRegistrar) requests(method string) []sipMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sipMsg
	for _, m := range f.reqs {
		if m.method() == method {
			out = append(out, m)
		}
	}
	return out
}

// registerAttempts counts distinct REGISTER attempts by Call-ID, so
// transport-level retransmissions are not double counted.
func (f *fakeRegistrar) registerAttempts() int {
	seen := make(map[string]bool)
	for _, m := range f.requests("REGISTER") {
		seen[m.header("Call-ID")] = true
	}
	return len(seen)
}

// okResponder answers every request with 200 OK plus the given extra
// headers.
func okResponder(extra ...string) func(sipMsg) [][]byte {
	return func(req sipMsg) [][]byte {
		return [][]byte{sipResponse(req, 200, "OK", extra, "")}
	}
}

func newTestEngine(t *testing.T, registrarPort int) *Engine {
	t.Helper()
	cfg := &config.Config{
		SIPServer:      "127.0.0.1",
		SIPPort:        registrarPort,
		SIPLocalPort:   freeUDPPort(t),
		SIPUsername:    "2001",
		SIPPassword:    "doorpass",
		RegisterExpiry: 120,
		ExternalIP:     "127.0.0.1",
	}
	e, err := NewEngine(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// waitStatus drains the status channel until the wanted status arrives.
func waitStatus(t *testing.T, ch <-chan RegistrationState, want Status) RegistrationState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Status == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for registration status %q", want)
		}
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// testStation plays the door station: it sends INVITE and in-dialog
// requests from a plain UDP socket and asserts on the engine's
// responses at the wire level.
type testStation struct {
	t          *testing.T
	conn       *net.UDPConn
	engineAddr *net.UDPAddr
	lastSrc    *net.UDPAddr

	callID       string
	fromTag      string
	toTag        string
	inviteBranch string
	cseq         int
}

func newTestStation(t *testing.T, enginePort int) *testStation {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("binding station socket: %v", err)
	}
	s := &testStation{
		t:          t,
		conn:       conn,
		engineAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: enginePort},
		callID:     fmt.Sprintf("door-%d@127.0.0.1", time.Now().UnixNano()),
		fromTag:    "stationtag1",
		cseq:       1,
	}
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *testStation) port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *testStation) send(raw string) {
	s.t.Helper()
	if _, err := s.conn.WriteToUDP([]byte(raw), s.engineAddr); err != nil {
		s.t.Fatalf("station send: %v", err)
	}
}

// waitEngineUp probes the engine's listener with OPTIONS until it
// responds, so tests never race the socket bind.
func (s *testStation) waitEngineUp() {
	s.t.Helper()
	buf := make([]byte, 4096)
	for probe := 1; probe <= 20; probe++ {
		raw := fmt.Sprintf("OPTIONS sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKprobe%d\r\n"+
			"Max-Forwards: 70\r\n"+
			"From: <sip:door@127.0.0.1>;tag=probe%d\r\n"+
			"To: <sip:2001@127.0.0.1>\r\n"+
			"Call-ID: probe-%d-%d@127.0.0.1\r\n"+
			"CSeq: 1 OPTIONS\r\n"+
			"Content-Length: 0\r\n\r\n",
			s.engineAddr.Port, s.port(), probe, probe, probe, time.Now().UnixNano())
		s.send(raw)
		s.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		if _, _, err := s.conn.ReadFromUDP(buf); err == nil {
			s.conn.SetReadDeadline(time.Time{})
			return
		}
	}
	s.t.Fatal("engine listener did not come up")
}

func (s *testStation) invite(sdp string) {
	s.t.Helper()
	s.inviteBranch = fmt.Sprintf("z9hG4bK%d", time.Now().UnixNano())
	raw := fmt.Sprintf("INVITE sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Front Door\" <sip:door@127.0.0.1>;tag=%s\r\n"+
		"To: <sip:2001@127.0.0.1>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:door@127.0.0.1:%d>\r\n"+
		"Content-Type: application/sdp\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		s.engineAddr.Port, s.port(), s.inviteBranch, s.fromTag, s.callID, s.port(), len(sdp), sdp)
	s.send(raw)
}

func (s *testStation) ack(ok sipMsg) {
	s.t.Helper()
	raw := fmt.Sprintf("ACK sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKack%d\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Front Door\" <sip:door@127.0.0.1>;tag=%s\r\n"+
		"To: %s\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n\r\n",
		s.engineAddr.Port, s.port(), time.Now().UnixNano(), s.fromTag, ok.header("To"), s.callID)
	s.send(raw)
}

// cancel reuses the INVITE branch per RFC 3261 §9.1 so the engine can
// match the pending transaction.
func (s *testStation) cancel() {
	s.t.Helper()
	raw := fmt.Sprintf("CANCEL sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Front Door\" <sip:door@127.0.0.1>;tag=%s\r\n"+
		"To: <sip:2001@127.0.0.1>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 CANCEL\r\n"+
		"Content-Length: 0\r\n\r\n",
		s.engineAddr.Port, s.port(), s.inviteBranch, s.fromTag, s.callID)
	s.send(raw)
}

func (s *testStation) bye() {
	s.t.Helper()
	s.cseq++
	raw := fmt.Sprintf("BYE sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKbye%d\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Front Door\" <sip:door@127.0.0.1>;tag=%s\r\n"+
		"To: <sip:2001@127.0.0.1>;tag=%s\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: %d BYE\r\n"+
		"Content-Length: 0\r\n\r\n",
		s.engineAddr.Port, s.port(), time.Now().UnixNano(), s.fromTag, s.toTag, s.callID, s.cseq)
	s.send(raw)
}

func (s *testStation) info(signal string) {
	s.t.Helper()
	s.cseq++
	body := fmt.Sprintf("Signal=%s\r\nDuration=250\r\n", signal)
	raw := fmt.Sprintf("INFO sip:2001@127.0.0.1:%d SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKinfo%d\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Front Door\" <sip:door@127.0.0.1>;tag=%s\r\n"+
		"To: <sip:2001@127.0.0.1>;tag=%s\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: %d INFO\r\n"+
		"Content-Type: application/dtmf-relay\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		s.engineAddr.Port, s.port(), time.Now().UnixNano(), s.fromTag, s.toTag, s.callID, s.cseq, len(body), body)
	s.send(raw)
}

func (s *testStation) readMsg(timeout time.Duration) (sipMsg, bool) {
	s.t.Helper()
	buf := make([]byte, 8192)
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	n, src, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return sipMsg{}, false
	}
	s.lastSrc = src
	return parseSIPMsg(string(buf[:n])), true
}

// expectStatus reads until a response with the given status for the
// given CSeq method arrives, skipping everything else.
func (s *testStation) expectStatus(code int, cseqMethod string) sipMsg {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := s.readMsg(time.Until(deadline))
		if !ok {
			break
		}
		if msg.statusCode() == code && msg.cseqMethod() == cseqMethod {
			return msg
		}
	}
	s.t.Fatalf("did not receive %d for %s", code, cseqMethod)
	return sipMsg{}
}

// expectRequest reads until a request with the given method arrives.
func (s *testStation) expectRequest(method string) sipMsg {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := s.readMsg(time.Until(deadline))
		if !ok {
			break
		}
		if msg.method() == method {
			return msg
		}
	}
	s.t.Fatalf("did not receive %s request", method)
	return sipMsg{}
}

// respondOK answers the engine's last in-dialog request.
func (s *testStation) respondOK(req sipMsg) {
	s.sendResponse(req, 200, "OK")
}

func (s *testStation) sendResponse(req sipMsg, code int, reason string) {
	s.t.Helper()
	dst := s.lastSrc
	if dst == nil {
		dst = s.engineAddr
	}
	if _, err := s.conn.WriteToUDP(sipResponse(req, code, reason, nil, ""), dst); err != nil {
		s.t.Fatalf("station respond: %v", err)
	}
}

// establishCall drives a full INVITE / 200 / ACK exchange and returns
// the answered dialog.
func establishCall(t *testing.T, station *testStation, calls <-chan *Dialog) *Dialog {
	t.Helper()
	station.invite(stationSDP)
	station.expectStatus(100, "INVITE")

	var d *Dialog
	select {
	case d = <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call surfaced")
	}

	answer, err := media.BuildAnswer("127.0.0.1", 41000, media.CodecPCMA, 101)
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}
	if err := d.Answer(answer); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	ok := station.expectStatus(200, "INVITE")
	station.toTag = tagOf(ok.header("To"))
	station.ack(ok)
	return d
}
