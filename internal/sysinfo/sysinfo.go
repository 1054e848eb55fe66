// Package sysinfo describes the local host and build for startup logs and
// the version string.
package sysinfo

import (
	"log/slog"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is the release version, set at build time via ldflags:
//
//	go build -ldflags="-X github.com/postalsys/oxy/internal/sysinfo.Version=v1.0.0"
var Version = "dev"

var startTime = time.Now()

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion derives a dev version from the VCS stamp of the build:
// dev-<commit>[-dirty], or dev-<timestamp> without one.
func enhanceDevVersion() string {
	var revision string
	var dirty bool
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}
	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}

// Info describes the local host.
type Info struct {
	Hostname    string
	OS          string
	Arch        string
	Version     string
	PID         int
	StartTime   time.Time
	IPAddresses []string
}

// Collect gathers the local host information.
func Collect() Info {
	hostname, _ := os.Hostname()
	return Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     Version,
		PID:         os.Getpid(),
		StartTime:   startTime,
		IPAddresses: LocalIPs(),
	}
}

// LogValue renders the info as a log group.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("hostname", i.Hostname),
		slog.String("os", i.OS),
		slog.String("arch", i.Arch),
		slog.String("version", i.Version),
		slog.Int("pid", i.PID),
		slog.Any("ips", i.IPAddresses),
	)
}

// LocalIPs returns up to ten non-loopback IPv4 addresses.
func LocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
