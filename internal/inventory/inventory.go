// Package inventory collects a read-only hardware/software profile of a host
// over a one-shot SSH connection.
package inventory

import (
	"strconv"
	"strings"
	"time"
)

// Options toggles the optional, slower sections.
type Options struct {
	IncludePackages bool `json:"include_packages"`
	IncludeServices bool `json:"include_services"`
}

// Inventory is the collected profile. Sections that failed to collect are
// zero-valued rather than aborting the whole run.
type Inventory struct {
	Hostname      string       `json:"hostname,omitempty"`
	Kernel        string       `json:"kernel,omitempty"`
	Architecture  string       `json:"architecture,omitempty"`
	OS            OSInfo       `json:"os"`
	UptimeSeconds float64      `json:"uptime_seconds,omitempty"`
	CPUCount      int          `json:"cpu_count,omitempty"`
	Memory        MemoryInfo   `json:"memory"`
	Filesystems   []Filesystem `json:"filesystems,omitempty"`
	Interfaces    []string     `json:"interfaces,omitempty"`
	DefaultRoute  string       `json:"default_route,omitempty"`
	PackageCount  int          `json:"package_count,omitempty"`
	Services      []string     `json:"services,omitempty"`
	CollectedAt   time.Time    `json:"collected_at"`
}

// OSInfo comes from /etc/os-release.
type OSInfo struct {
	Name    string `json:"name,omitempty"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

// MemoryInfo comes from /proc/meminfo, in kibibytes.
type MemoryInfo struct {
	TotalKB     int64 `json:"total_kb,omitempty"`
	AvailableKB int64 `json:"available_kb,omitempty"`
}

// Filesystem is one row of df -P, in kibibytes.
type Filesystem struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	SizeKB     int64  `json:"size_kb"`
	UsedKB     int64  `json:"used_kb"`
	AvailKB    int64  `json:"avail_kb"`
	UsePercent int    `json:"use_percent"`
}

// parseOSRelease extracts NAME, ID and VERSION_ID from /etc/os-release.
func parseOSRelease(out string) OSInfo {
	var info OSInfo
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "NAME":
			info.Name = value
		case "ID":
			info.ID = value
		case "VERSION_ID":
			info.Version = value
		}
	}
	return info
}

// parseDF parses `df -P` output, skipping the header and pseudo filesystems.
func parseDF(out string) []Filesystem {
	var fss []Filesystem
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		device := fields[0]
		if device == "tmpfs" || device == "devtmpfs" || device == "overlay" || device == "none" {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		used, _ := strconv.ParseInt(fields[2], 10, 64)
		avail, _ := strconv.ParseInt(fields[3], 10, 64)
		pct, _ := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
		fss = append(fss, Filesystem{
			Device:     device,
			MountPoint: fields[5],
			SizeKB:     size,
			UsedKB:     used,
			AvailKB:    avail,
			UsePercent: pct,
		})
	}
	return fss
}

// parseMeminfo extracts MemTotal and MemAvailable from /proc/meminfo.
func parseMeminfo(out string) MemoryInfo {
	var mem MemoryInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			mem.TotalKB = value
		case "MemAvailable":
			mem.AvailableKB = value
		}
	}
	return mem
}

// parseIPLink extracts interface names from `ip -o link`, dropping loopback.
func parseIPLink(out string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		// veth/bridge suffixes like "eth0@if12".
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		if name == "" || name == "lo" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// parseDefaultRoute extracts the gateway from `ip route`.
func parseDefaultRoute(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "default" && fields[1] == "via" {
			return fields[2]
		}
	}
	return ""
}

// parseUptime reads the first float from /proc/uptime.
func parseUptime(out string) float64 {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	seconds, _ := strconv.ParseFloat(fields[0], 64)
	return seconds
}

// parseCount reads one non-negative integer, for nproc and package counts.
func parseCount(out string) int {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseServices extracts unit names from `systemctl list-units --type=service
// --state=running --no-legend --plain`.
func parseServices(out string) []string {
	var services []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if strings.HasSuffix(name, ".service") {
			services = append(services, strings.TrimSuffix(name, ".service"))
		}
	}
	return services
}
