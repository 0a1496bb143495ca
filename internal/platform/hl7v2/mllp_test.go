package hl7v2

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameUnframe(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B")
	framed := Frame(raw)
	if framed[0] != StartBlock || framed[len(framed)-2] != EndBlock || framed[len(framed)-1] != CarriageReturn {
		t.Fatalf("bad framing: %q", framed)
	}

	msg, rest, found := Unframe(append([]byte("noise"), framed...))
	if !found || !bytes.Equal(msg, raw) || len(rest) != 0 {
		t.Errorf("Unframe = %q, %q, %v", msg, rest, found)
	}
}

func TestUnframe_PartialAndMultiple(t *testing.T) {
	if _, _, found := Unframe(append([]byte{StartBlock}, "MSH|partial"...)); found {
		t.Error("expected partial frame to be incomplete")
	}

	combined := append(Frame([]byte("ONE")), Frame([]byte("TWO"))...)
	first, rest, _ := Unframe(combined)
	second, rest, _ := Unframe(rest)
	if string(first) != "ONE" || string(second) != "TWO" || len(rest) != 0 {
		t.Errorf("got %q %q rest=%q", first, second, rest)
	}
}

func TestBuildACK(t *testing.T) {
	msg, _ := Parse([]byte(testORU))
	ack, err := Parse(BuildACK(msg, AckError, "row 2: value|bad"))
	if err != nil {
		t.Fatalf("ACK does not parse: %v", err)
	}
	if !strings.HasPrefix(ack.Type, "ACK^R01") {
		t.Errorf("ACK type = %q", ack.Type)
	}
	if ack.SendingApp != "LIS" || ack.ReceivingApp != "XN1000" {
		t.Errorf("sender/receiver not swapped: %+v", ack)
	}
	msa := ack.GetSegment("MSA")
	if msa.GetField(1) != "AE" || msa.GetField(2) != "MSG001" {
		t.Errorf("MSA = %q|%q", msa.GetField(1), msa.GetField(2))
	}
	if got := ack.Encoding().Unescape(msa.GetField(3)); got != "row 2: value|bad" {
		t.Errorf("MSA-3 = %q", got)
	}
}

func TestRejectUnparseable(t *testing.T) {
	ack, err := Parse(RejectUnparseable([]byte("MSH|^~\\&|A|B|C|D|ts||XYZ|CTRL7\rgarbage"), "bad message"))
	if err != nil {
		t.Fatal(err)
	}
	msa := ack.GetSegment("MSA")
	if msa.GetField(1) != AckReject || msa.GetField(2) != "CTRL7" {
		t.Errorf("MSA = %q|%q", msa.GetField(1), msa.GetField(2))
	}
}

func TestMLLPServer_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []string
	var acked []string

	srv := NewMLLPServer("127.0.0.1:0", 1<<20, func(ctx context.Context, raw []byte, remote string) []byte {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
		msg, err := Parse(raw)
		if err != nil {
			return RejectUnparseable(raw, err.Error())
		}
		return BuildACK(msg, AckAccept, "")
	}, zerolog.Nop())
	srv.SetAckObserver(func(ctx context.Context, remote string, ack []byte, err error) {
		mu.Lock()
		acked = append(acked, remote)
		mu.Unlock()
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(Frame([]byte(testORU))); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf []byte
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if _, _, found := Unframe(buf); found || err != nil {
			break
		}
	}
	raw, _, found := Unframe(buf)
	if !found {
		t.Fatalf("no ACK frame received: %q", buf)
	}
	ack, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ack.GetSegment("MSA").GetField(1) != AckAccept {
		t.Errorf("expected AA, got %q", ack.GetSegment("MSA").GetField(1))
	}

	srv.Stop()
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || !strings.HasPrefix(received[0], "MSH") {
		t.Errorf("handler saw %q", received)
	}
	if len(acked) != 1 {
		t.Errorf("expected one observed ACK, got %d", len(acked))
	}
}
