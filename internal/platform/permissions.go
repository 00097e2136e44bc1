// Package platform holds startup environment checks: capability and device
// permission probes that decide which warnings the user sees before the
// first client connects.
package platform

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// capSysAdmin is the CAP_SYS_ADMIN bit index in the kernel capability sets.
const capSysAdmin = 21

// CheckPermissions warns early about missing privileges. Nothing here is
// fatal: DRM may still work through the legacy path, and input simply
// stays disabled without uinput.
func CheckPermissions() {
	if !HasCapSysAdmin() {
		exe, err := os.Executable()
		if err != nil {
			exe = "<binary>"
		}
		log.Warn().Msgf(
			"process lacks CAP_SYS_ADMIN, DRM framebuffer access will likely fail; "+
				"run as root or: sudo setcap cap_sys_admin+ep %s", exe)
	}

	if _, err := os.Stat("/dev/uinput"); err != nil {
		log.Warn().Msg(
			"/dev/uinput does not exist, input forwarding will be disabled; fix: sudo modprobe uinput")
		return
	}
	f, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		log.Warn().Msg(
			"/dev/uinput is not writable, input forwarding will be disabled; " +
				"fix: sudo usermod -aG input $USER (then re-login), or: sudo chmod 0660 /dev/uinput")
		return
	}
	f.Close()
}

// HasCapSysAdmin reports whether CAP_SYS_ADMIN is in the effective set.
func HasCapSysAdmin() bool {
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	caps, ok := parseCapEff(string(status))
	return ok && caps&(1<<capSysAdmin) != 0
}

// parseCapEff extracts the effective capability mask from the contents of
// /proc/self/status.
func parseCapEff(status string) (uint64, bool) {
	for _, line := range strings.Split(status, "\n") {
		hex, found := strings.CutPrefix(line, "CapEff:")
		if !found {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 64)
		if err != nil {
			return 0, false
		}
		return caps, true
	}
	return 0, false
}
