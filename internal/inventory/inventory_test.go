package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOSRelease(t *testing.T) {
	out := `NAME="Debian GNU/Linux"
VERSION_ID="12"
VERSION="12 (bookworm)"
ID=debian
HOME_URL="https://www.debian.org/"
`
	info := parseOSRelease(out)
	assert.Equal(t, "Debian GNU/Linux", info.Name)
	assert.Equal(t, "debian", info.ID)
	assert.Equal(t, "12", info.Version)
}

func TestParseOSReleaseGarbage(t *testing.T) {
	info := parseOSRelease("not os-release at all\n\n")
	assert.Equal(t, OSInfo{}, info)
}

func TestParseDF(t *testing.T) {
	out := `Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/sda1         51343840  21777220  26930100      45% /
tmpfs              4046856         0   4046856       0% /dev/shm
/dev/sdb1        515010816 123456789 365432100      26% /data
`
	fss := parseDF(out)
	require.Len(t, fss, 2)

	assert.Equal(t, "/dev/sda1", fss[0].Device)
	assert.Equal(t, "/", fss[0].MountPoint)
	assert.Equal(t, int64(51343840), fss[0].SizeKB)
	assert.Equal(t, int64(21777220), fss[0].UsedKB)
	assert.Equal(t, 45, fss[0].UsePercent)

	assert.Equal(t, "/data", fss[1].MountPoint)
}

func TestParseMeminfo(t *testing.T) {
	out := `MemTotal:       16314480 kB
MemFree:         9248292 kB
MemAvailable:   12186848 kB
Buffers:          307564 kB
`
	mem := parseMeminfo(out)
	assert.Equal(t, int64(16314480), mem.TotalKB)
	assert.Equal(t, int64(12186848), mem.AvailableKB)
}

func TestParseIPLink(t *testing.T) {
	out := `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc fq_codel state UP
3: docker0: <NO-CARRIER,BROADCAST,MULTICAST,UP> mtu 1500 qdisc noqueue state DOWN
4: veth12ab@if5: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 state UP
`
	names := parseIPLink(out)
	assert.Equal(t, []string{"eth0", "docker0", "veth12ab"}, names)
}

func TestParseDefaultRoute(t *testing.T) {
	out := `default via 10.0.0.1 dev eth0 proto dhcp metric 100
10.0.0.0/24 dev eth0 proto kernel scope link src 10.0.0.17
`
	assert.Equal(t, "10.0.0.1", parseDefaultRoute(out))
	assert.Equal(t, "", parseDefaultRoute("10.0.0.0/24 dev eth0 scope link\n"))
}

func TestParseUptime(t *testing.T) {
	assert.InDelta(t, 351245.81, parseUptime("351245.81 1402722.29\n"), 0.01)
	assert.Equal(t, float64(0), parseUptime(""))
}

func TestParseCount(t *testing.T) {
	assert.Equal(t, 8, parseCount("8\n"))
	assert.Equal(t, 1523, parseCount(" 1523 "))
	assert.Equal(t, 0, parseCount("dpkg: command not found"))
	assert.Equal(t, 0, parseCount("-3"))
}

func TestParseServices(t *testing.T) {
	out := `cron.service        loaded active running Regular background program processing daemon
nginx.service       loaded active running A high performance web server
ssh.service         loaded active running OpenBSD Secure Shell server
`
	services := parseServices(out)
	assert.Equal(t, []string{"cron", "nginx", "ssh"}, services)
	assert.Nil(t, parseServices(""))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "web-01", firstLine("web-01\n"))
	assert.Equal(t, "web-01", firstLine("web-01\r\n"))
	assert.Equal(t, "web-01", firstLine("web-01"))
}
