package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}
	calls := 0
	err := Retry(context.Background(), cfg, func(int) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}

	calls = 0
	err = Retry(context.Background(), cfg, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("down")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: time.Second}.WithDefaults()
	if cfg.RequestTimeout != time.Second {
		t.Fatalf("explicit timeout overwritten: %v", cfg.RequestTimeout)
	}
	if cfg.HandshakeTimeout == 0 || cfg.QueueDepth == 0 || cfg.MaxMessageBytes == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ExpirySweepInterval != 0 {
		t.Fatalf("zero sweep interval must stay disabled")
	}
	if DefaultConfig().RequestTimeout != 5*time.Second {
		t.Fatalf("default request timeout must be 5s")
	}
}

func TestCorrelatorResolvesMatchingResponse(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	var sent uint32
	resp, err := c.Call(context.Background(), func(id uint32) error {
		sent = id
		go func() {
			ok, err := c.Resolve(btp.NewResponse(id, btp.ProtocolData{{Name: "balance"}}))
			if !ok || err != nil {
				t.Errorf("resolve ok=%v err=%v", ok, err)
			}
		}()
		return nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.RequestID != sent {
		t.Fatalf("response id %d want %d", resp.RequestID, sent)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending entries left: %d", c.Pending())
	}
}

func TestCorrelatorErrorReplyFailsCall(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	_, err := c.Call(context.Background(), func(id uint32) error {
		go c.Resolve(btp.NewErrorPacket(id, btp.Errorf(btp.NameNotAccepted, "nope"), time.Now()))
		return nil
	})
	var re *btp.RemoteError
	if !errors.As(err, &re) || re.Code != "F00" || string(re.Data) != "nope" {
		t.Fatalf("expected remote F00 error, got %v", err)
	}
}

func TestCorrelatorTimeoutThenLateReplyIgnored(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(20 * time.Millisecond)
	var id uint32
	_, err := c.Call(context.Background(), func(reqID uint32) error {
		id = reqID
		return nil
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.IsPending(id) {
		t.Fatalf("timed out entry still pending")
	}
	ok, err := c.Resolve(btp.NewResponse(id, nil))
	if ok || err != nil {
		t.Fatalf("late reply should be dropped: ok=%v err=%v", ok, err)
	}
}

func TestCorrelatorRegeneratesCollidingIDs(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	ids := []uint32{7, 7, 7, 8}
	c.randomID = func() uint32 {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := make(chan uint32, 1)
	release := make(chan struct{})
	go func() {
		_, _ = c.Call(context.Background(), func(id uint32) error {
			first <- id
			<-release
			go c.Resolve(btp.NewResponse(id, nil))
			return nil
		})
	}()
	if got := <-first; got != 7 {
		t.Fatalf("first id %d", got)
	}

	_, err := c.Call(context.Background(), func(id uint32) error {
		if id != 8 {
			t.Errorf("colliding id reused: %d", id)
		}
		go c.Resolve(btp.NewResponse(id, nil))
		return nil
	})
	close(release)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestCorrelatorContextCancel(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Call(ctx, func(uint32) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("canceled call left pending entry")
	}
}

func TestCorrelatorSendFailureAndCancelAll(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	sendErr := errors.New("socket gone")
	if _, err := c.Call(context.Background(), func(uint32) error { return sendErr }); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := c.Call(context.Background(), func(uint32) error {
			close(started)
			return nil
		})
		done <- err
	}()
	<-started
	for c.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.CancelAll(nil)
	if err := <-done; !errors.Is(err, ErrCorrelatorClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := c.Call(context.Background(), func(uint32) error { return nil }); !errors.Is(err, ErrCorrelatorClosed) {
		t.Fatalf("closed correlator accepted call: %v", err)
	}
}

func TestResolveRejectsRequestTypes(t *testing.T) {
	testlog.Start(t)
	c := NewCorrelator(time.Second)
	if _, err := c.Resolve(btp.NewMessage(1, nil)); !errors.Is(err, ErrNotReply) {
		t.Fatalf("expected ErrNotReply, got %v", err)
	}
}

func TestValidateServerTransport(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("development default should validate: %v", err)
	}
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS = TLSConfig{Enabled: true, CertFile: "c.pem"}
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.SecurityMode = "bogus"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	tlsCfg, err := DefaultConfig().ServerTLS()
	if err != nil || tlsCfg != nil {
		t.Fatalf("disabled tls should yield nil config: %v %v", tlsCfg, err)
	}
}
