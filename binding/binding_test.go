package binding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"testing"
	"time"

	"pkt.systems/pingd"
	"pkt.systems/pingd/internal/sched"
)

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func loopback() pingd.Config {
	return pingd.Config{BindAddress: "127.0.0.1", Port: 0, PortSet: true}
}

func pingPort(port int) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/ping")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}

func refused(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

func kindOf(t *testing.T, err error) *Error {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *binding.Error, got %T %v", err, err)
	}
	return be
}

func TestLifecycleStrings(t *testing.T) {
	s, err := Open(context.Background(), loopback())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if got := s.Status(); got != "running" {
		t.Fatalf("expected running, got %q", got)
	}
	if body, err := pingPort(s.Port()); err != nil || body != "pong" {
		t.Fatalf("ping: %q %v", body, err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.Status(); got != "stopped" {
		t.Fatalf("expected stopped, got %q", got)
	}
	err = s.Stop()
	be := kindOf(t, err)
	if be.Kind != KindInvalidState || err.Error() != "Server is not running" {
		t.Fatalf("unexpected second stop error %v (%s)", err, be.Kind)
	}
	if !errors.Is(err, pingd.ErrServerNotRunning) {
		t.Fatalf("expected original error to be preserved, got %v", err)
	}
	if !refused(s.Addr()) {
		t.Fatal("expected connection refused after stop")
	}
}

func TestNewBindsAllInterfaces(t *testing.T) {
	s, err := New(0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if body, err := pingPort(s.Port()); err != nil || body != "pong" {
		t.Fatalf("ping: %q %v", body, err)
	}
}

func TestAsyncLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenAsync(ctx, loopback()).Wait(ctx)
	if err != nil {
		t.Fatalf("open async: %v", err)
	}
	if s.Status() != "running" {
		t.Fatalf("expected running, got %s", s.Status())
	}
	if _, err := s.StopAsync(ctx).Wait(ctx); err != nil {
		t.Fatalf("stop async: %v", err)
	}
	_, err = s.StopAsync(ctx).Wait(ctx)
	if kindOf(t, err).Kind != KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close after stop: %v", err)
	}
}

func TestBindFailureIsIOError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := loopback()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	_, err = Open(context.Background(), cfg)
	be := kindOf(t, err)
	if be.Kind != KindIO {
		t.Fatalf("expected IO kind, got %s", be.Kind)
	}
	var bindErr *pingd.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError inside, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(context.Background(), loopback())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addr := s.Addr()
	for i := 0; i < 2; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if !refused(addr) {
		t.Fatal("expected connection refused after close")
	}
}

// stalledLoopback binds a server that never times out header reads, so a
// partial request keeps its drain waiting until the client hangs up.
func stalledLoopback() pingd.Config {
	cfg := loopback()
	cfg.ReadHeaderTimeout = -1
	return cfg
}

func openPartialRequest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: x\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Let the server mark the connection active.
	time.Sleep(50 * time.Millisecond)
	return conn
}

func stillOpen(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func TestNewAsyncServesDefaultStyleConstruction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fut := NewAsync(ctx, 0)
	s, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("new async: %v", err)
	}
	defer s.Close()
	if _, ok, err := fut.Result(); !ok || err != nil {
		t.Fatalf("expected resolved future, got ok=%v err=%v", ok, err)
	}
	if s.Status() != "running" {
		t.Fatalf("expected running, got %s", s.Status())
	}
	if body, err := pingPort(s.Port()); err != nil || body != "pong" {
		t.Fatalf("ping: %q %v", body, err)
	}
}

func TestStalledStopDoesNotBlockOtherServers(t *testing.T) {
	a, err := Open(context.Background(), stalledLoopback())
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	conn := openPartialRequest(t, a.Addr())
	defer conn.Close()

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop() }()
	waitFor(t, 5*time.Second, func() bool { return refused(a.Addr()) })

	done := make(chan error, 1)
	go func() {
		b, err := New(0)
		if err != nil {
			done <- err
			return
		}
		if body, err := pingPort(b.Port()); err != nil || body != "pong" {
			done <- fmt.Errorf("ping b: %q %v", body, err)
			return
		}
		done <- b.Stop()
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server b: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server b blocked behind the drain of server a")
	}

	select {
	case err := <-stopped:
		t.Fatalf("a stopped before its client hung up: %v", err)
	default:
	}
	_ = conn.Close()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop a: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("a did not finish draining after its client hung up")
	}
}

func TestDisposalDoesNotWaitForOtherDrains(t *testing.T) {
	var addrA, addrB string
	var conn net.Conn
	func() {
		a, err := Open(context.Background(), stalledLoopback())
		if err != nil {
			t.Fatalf("open a: %v", err)
		}
		b, err := Open(context.Background(), loopback())
		if err != nil {
			t.Fatalf("open b: %v", err)
		}
		addrA, addrB = a.Addr(), b.Addr()
		conn = openPartialRequest(t, addrA)
	}()
	defer conn.Close()

	waitFor(t, 10*time.Second, func() bool {
		runtime.GC()
		return refused(addrA) && refused(addrB)
	})
	if !stillOpen(conn) {
		t.Fatal("expected a to still be draining its stalled connection")
	}
	_ = conn.Close()
	waitFor(t, 5*time.Second, func() bool { return sched.Default().Live() == 0 })
}

func TestDisposalStopsUnreachableServer(t *testing.T) {
	var addr string
	func() {
		s, err := Open(context.Background(), loopback())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		addr = s.Addr()
		if body, err := pingPort(s.Port()); err != nil || body != "pong" {
			t.Fatalf("ping: %q %v", body, err)
		}
	}()
	waitFor(t, 10*time.Second, func() bool {
		runtime.GC()
		return refused(addr)
	})
	waitFor(t, 5*time.Second, func() bool { return sched.Default().Live() == 0 })
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		in   error
		kind Kind
		msg  string
	}{
		{pingd.ErrServerRunning, KindInvalidState, "Server is running"},
		{pingd.ErrServerNotRunning, KindInvalidState, "Server is not running"},
		{pingd.ErrServerClosed, KindInvalidState, "Server is not running"},
		{fmt.Errorf("%w: boom", pingd.ErrTaskFailed), KindTask, "pingd: service task failed: boom"},
		{&sched.PanicError{Task: "t", Value: "x"}, KindTask, "sched: task t panicked: x"},
		{&pingd.BindError{Addr: "1.2.3.4:1", Err: errors.New("denied")}, KindIO, "pingd: bind 1.2.3.4:1: denied"},
		{&pingd.ServeError{Err: net.ErrClosed}, KindIO, "pingd: serve: use of closed network connection"},
	}
	for _, tc := range cases {
		err := Translate(tc.in)
		be := kindOf(t, err)
		if be.Kind != tc.kind || be.Message != tc.msg {
			t.Fatalf("%v: got %s %q", tc.in, be.Kind, be.Message)
		}
		if !errors.Is(err, tc.in) {
			t.Fatalf("%v: original error lost", tc.in)
		}
		if KindOf(tc.in) != tc.kind {
			t.Fatalf("%v: KindOf mismatch", tc.in)
		}
	}
	if Translate(nil) != nil || KindOf(nil) != 0 {
		t.Fatal("nil must translate to nil")
	}
}
