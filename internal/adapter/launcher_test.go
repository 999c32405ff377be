package adapter

import (
	"bufio"
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"
)

// A cached adapter's child process must keep running after the request
// context that launched it is cancelled; only Kill ends it.
func TestHostLauncherSurvivesCallerContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on cat")
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := HostLauncher{}.Launch(ctx, ProviderSpec{Command: "cat"}, "", nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Kill()

	reader := bufio.NewReader(proc.Stdout())
	echo := func(line string) (string, error) {
		if _, err := fmt.Fprintln(proc.Stdin(), line); err != nil {
			return "", err
		}
		return reader.ReadString('\n')
	}

	if got, err := echo("before"); err != nil || got != "before\n" {
		t.Fatalf("echo before cancel = %q, %v", got, err)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)

	if got, err := echo("after"); err != nil || got != "after\n" {
		t.Fatalf("child did not survive context cancellation: %q, %v", got, err)
	}

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := proc.Wait(); err == nil {
		t.Error("Wait after Kill should report the signal")
	}
}

func TestHostLauncherRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (HostLauncher{}).Launch(ctx, ProviderSpec{Command: "cat"}, "", nil); err == nil {
		t.Error("Launch with a cancelled context should fail")
	}
}
