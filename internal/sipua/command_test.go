package sipua

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInfoSenderDeliversCommand(t *testing.T) {
	_, station, calls := newCallFixture(t)
	d := establishCall(t, station, calls)

	sender := NewInfoSender(d, slog.Default())

	done := make(chan error, 1)
	go func() { done <- sender.SendUnlock(context.Background(), "#") }()

	info := station.expectRequest("INFO")
	if got := info.header("Content-Type"); got != "application/dtmf-relay" {
		t.Errorf("INFO Content-Type = %q, want application/dtmf-relay", got)
	}
	if !strings.Contains(info.body, "Signal=#") {
		t.Errorf("INFO body = %q, want Signal=#", info.body)
	}
	station.respondOK(info)

	if err := <-done; err != nil {
		t.Fatalf("SendUnlock: %v", err)
	}
}

func TestInfoSenderMultiDigitCode(t *testing.T) {
	_, station, calls := newCallFixture(t)
	d := establishCall(t, station, calls)

	sender := NewInfoSender(d, slog.Default())

	done := make(chan error, 1)
	go func() { done <- sender.SendUnlock(context.Background(), "12#") }()

	for _, want := range []string{"Signal=1", "Signal=2", "Signal=#"} {
		info := station.expectRequest("INFO")
		if !strings.Contains(info.body, want) {
			t.Errorf("INFO body = %q, want %s", info.body, want)
		}
		station.respondOK(info)
	}

	if err := <-done; err != nil {
		t.Fatalf("SendUnlock: %v", err)
	}
}

func TestInfoSenderRetriesUntilAck(t *testing.T) {
	_, station, calls := newCallFixture(t)
	d := establishCall(t, station, calls)

	sender := NewInfoSender(d, slog.Default())
	sender.ackTimeout = 150 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- sender.SendUnlock(context.Background(), "0") }()

	// Stay silent on the first INFO. The retry carries a fresh CSeq;
	// transport retransmissions of the first attempt do not.
	first := station.expectRequest("INFO")
	var retry sipMsg
	for {
		retry = station.expectRequest("INFO")
		if retry.header("CSeq") != first.header("CSeq") {
			break
		}
	}
	station.respondOK(retry)

	if err := <-done; err != nil {
		t.Fatalf("SendUnlock after retry: %v", err)
	}
}

func TestInfoSenderGivesUpAfterRetries(t *testing.T) {
	_, station, calls := newCallFixture(t)
	d := establishCall(t, station, calls)

	sender := NewInfoSender(d, slog.Default())
	sender.ackTimeout = 60 * time.Millisecond
	sender.maxAttempts = 2

	// The station never acknowledges.
	start := time.Now()
	err := sender.SendUnlock(context.Background(), "#")
	if err == nil {
		t.Fatal("expected an error when the station never acks")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "not acknowledged") {
		t.Errorf("err = %v, want mention of missing acknowledgment", err)
	}
	// The wait doubles per attempt: 60ms then 120ms.
	if elapsed := time.Since(start); elapsed < 170*time.Millisecond {
		t.Errorf("gave up after %v, want the doubled retry window", elapsed)
	}
}

func TestInfoSenderRejectedByStation(t *testing.T) {
	_, station, calls := newCallFixture(t)
	d := establishCall(t, station, calls)

	sender := NewInfoSender(d, slog.Default())

	done := make(chan error, 1)
	go func() { done <- sender.SendUnlock(context.Background(), "#") }()

	info := station.expectRequest("INFO")
	station.sendResponse(info, 488, "Not Acceptable Here")

	err := <-done
	if err == nil {
		t.Fatal("expected an error after a definitive rejection")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, a rejection must not look like a timeout", err)
	}
	if !strings.Contains(err.Error(), "488") {
		t.Errorf("err = %v, want the rejection status in it", err)
	}
	// A definitive rejection must not be retried.
	if msg, ok := station.readMsg(300 * time.Millisecond); ok && msg.method() == "INFO" {
		t.Error("sender retried after a definitive rejection")
	}
}

func TestInfoSenderRequiresAnsweredDialog(t *testing.T) {
	_, station, calls := newCallFixture(t)

	station.invite(stationSDP)
	station.expectStatus(100, "INVITE")
	d := awaitCall(t, calls)

	sender := NewInfoSender(d, slog.Default())
	err := sender.SendUnlock(context.Background(), "#")
	if !errors.Is(err, ErrDialogNotAnswered) {
		t.Fatalf("err = %v, want ErrDialogNotAnswered", err)
	}
}
