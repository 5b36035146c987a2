package sdnotify

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"nudgebot/pkg/logx"
)

// listenNotify stands in for the systemd notify socket.
func listenNotify(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, path
}

func readDatagram(t *testing.T, conn *net.UnixConn, timeout time.Duration) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify socket: %v", err)
	}
	return string(buf[:n])
}

func TestReadySendsDatagram(t *testing.T) {
	conn, path := listenNotify(t)
	t.Setenv("NOTIFY_SOCKET", path)

	Ready(logx.Nop())

	if got := readDatagram(t, conn, 2*time.Second); got != "READY=1" {
		t.Fatalf("notify payload = %q, want %q", got, "READY=1")
	}
}

func TestReadyNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	// Must not block or panic.
	Ready(logx.Nop())
	Stopping()
}

func TestWatchdogFeeds(t *testing.T) {
	conn, path := listenNotify(t)
	t.Setenv("NOTIFY_SOCKET", path)
	// 200ms watchdog window; the feeder clamps its cadence to >= 1s, so
	// wait a little past one tick.
	t.Setenv("WATCHDOG_USEC", "200000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, logx.Nop())
	}()

	if got := readDatagram(t, conn, 3*time.Second); got != "WATCHDOG=1" {
		t.Fatalf("notify payload = %q, want %q", got, "WATCHDOG=1")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog goroutine did not stop on cancel")
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(context.Background(), logx.Nop())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not return with no watchdog configured")
	}
}
