// Package hostinfo gathers the host facts an agent reports about itself.
package hostinfo

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
)

// cpuWindow is the sampling window for CPU usage.
const cpuWindow = 100 * time.Millisecond

// Hostname returns the host name, preferring gopsutil's view and falling
// back to the kernel name.
func Hostname(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// LocalIP returns the first non-loopback IPv4 address, or "127.0.0.1".
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return "127.0.0.1"
}

// Identity builds the identity of the running agent process. An empty id
// is replaced by a fresh UUID, so every process start gets its own identity.
func Identity(ctx context.Context, id string, startedAt time.Time) agent.Identity {
	hostname := Hostname(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return agent.Identity{
		ID:        id,
		Hostname:  hostname,
		Address:   LocalIP(),
		StartedAt: startedAt,
	}
}

// Sampler reports the current host load.
type Sampler interface {
	Sample(ctx context.Context) agent.Load
}

// SystemSampler samples CPU and memory usage through gopsutil. Failed
// readings are reported as zero.
type SystemSampler struct{}

var _ Sampler = SystemSampler{}

// Sample implements Sampler.
func (SystemSampler) Sample(ctx context.Context) agent.Load {
	var load agent.Load
	if pct, err := cpu.PercentWithContext(ctx, cpuWindow, false); err == nil && len(pct) > 0 {
		load.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		load.MemoryPercent = vm.UsedPercent
	}
	return load
}
