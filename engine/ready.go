package engine

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"
)

// tcpProbeInterval is the retry cadence for a ReadyTCP probe (spec §4.3).
const tcpProbeInterval = 200 * time.Millisecond

// tcpDialTimeout bounds a single connect attempt so a slow refusal doesn't
// delay the next retry past tcpProbeInterval.
const tcpDialTimeout = 150 * time.Millisecond

// CompileReady compiles the regex of a ReadyLogRegex check once, at
// validation time, so the hot path (testing every accepted line) never
// recompiles. Non-regex kinds return a nil pattern and no error.
func CompileReady(check ReadyCheck) (*regexp.Regexp, error) {
	if check.Kind != ReadyLogRegex {
		return nil, nil
	}
	re, err := regexp.Compile(check.Regex)
	if err != nil {
		return nil, fmt.Errorf("compile ready_check regex %q: %w", check.Regex, err)
	}
	return re, nil
}

// StartTCPProbe attempts a connect to 127.0.0.1:port every tcpProbeInterval.
// On the first successful connect it sends a single EventReady and returns;
// refused/failed connects are silent retries, never a terminal failure
// (spec §4.3). The returned goroutine exits as soon as ctx is cancelled,
// satisfying the "probes must be cancellable when the process exits before
// readiness" requirement.
func StartTCPProbe(ctx context.Context, pid ProcessID, port int, send func(Event)) {
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ticker := time.NewTicker(tcpProbeInterval)
		defer ticker.Stop()

		if tryDial(ctx, addr) {
			send(EventReady{ProcessID: pid})
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if tryDial(ctx, addr) {
					send(EventReady{ProcessID: pid})
					return
				}
			}
		}
	}()
}

func tryDial(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// StartDelayProbe sends a single EventReady after delay elapses, unless ctx
// is cancelled first (the process exited before becoming ready).
func StartDelayProbe(ctx context.Context, pid ProcessID, delay time.Duration, send func(Event)) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			send(EventReady{ProcessID: pid})
		}
	}()
}
