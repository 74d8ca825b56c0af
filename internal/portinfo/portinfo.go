// Package portinfo resolves which local process holds a listening TCP port.
// It only feeds diagnostics; every failure degrades to an empty answer.
package portinfo

import (
	"context"
	"fmt"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// LookupTimeout bounds a single Holder lookup.
const LookupTimeout = 500 * time.Millisecond

// Holder describes the process listening on port, for example
// "pid 4242 (nginx)". It returns "" when the owner cannot be determined.
func Holder(ctx context.Context, port int) string {
	if port <= 0 {
		return ""
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return ""
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port {
			continue
		}
		if conn.Pid <= 0 {
			return "another process"
		}
		return describe(ctx, conn.Pid)
	}
	return ""
}

func describe(ctx context.Context, pid int32) string {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Sprintf("pid %d", pid)
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil || name == "" {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d (%s)", pid, name)
}
