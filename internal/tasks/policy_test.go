package tasks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDefaultsAllowEverything(t *testing.T) {
	p := NewCommandPolicy(0, nil, nil)
	assert.NoError(t, p.Check("uptime"))
	assert.NoError(t, p.Check("rm -rf /tmp/build"))
}

func TestPolicyEmptyCommand(t *testing.T) {
	p := NewCommandPolicy(0, nil, nil)
	assert.ErrorIs(t, p.Check(""), ErrCommandDenied)
	assert.ErrorIs(t, p.Check("   "), ErrCommandDenied)
}

func TestPolicyMaxLength(t *testing.T) {
	p := NewCommandPolicy(10, nil, nil)
	assert.NoError(t, p.Check("uptime"))
	assert.ErrorIs(t, p.Check(strings.Repeat("x", 11)), ErrCommandDenied)
}

func TestPolicyDenyBeatsAllow(t *testing.T) {
	p := NewCommandPolicy(0, []string{"systemctl"}, []string{"poweroff"})
	assert.NoError(t, p.Check("systemctl status nginx"))
	assert.ErrorIs(t, p.Check("systemctl poweroff"), ErrCommandDenied)
}

func TestPolicyAllowListRestricts(t *testing.T) {
	p := NewCommandPolicy(0, []string{"uptime", "df "}, nil)
	assert.NoError(t, p.Check("uptime"))
	assert.NoError(t, p.Check("df -h /"))
	assert.ErrorIs(t, p.Check("cat /etc/shadow"), ErrCommandDenied)
}

func TestPolicyDenySubstring(t *testing.T) {
	p := NewCommandPolicy(0, nil, []string{"mkfs", ":(){"})
	assert.ErrorIs(t, p.Check("sudo mkfs.ext4 /dev/sda1"), ErrCommandDenied)
	assert.ErrorIs(t, p.Check(":(){ :|:& };:"), ErrCommandDenied)
	assert.NoError(t, p.Check("ls -la"))
}
