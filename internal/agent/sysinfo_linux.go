package agent

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const bootIdPath = "/proc/sys/kernel/random/boot_id"

func readSystemInfo(tmpDir string) (SystemInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return SystemInfo{}, errors.Wrap(err, "sysinfo")
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	info := SystemInfo{
		Cpus:         uint32(runtime.NumCPU()),
		RealMemoryMB: uint64(si.Totalram) * unit / mib,
		FreeMemoryMB: uint64(si.Freeram) * unit / mib,
		BootTime:     time.Now().Add(-time.Duration(si.Uptime) * time.Second).Truncate(time.Second),
	}
	for i := range info.Load {
		// The kernel reports load averages as fixed point with 16 fractional bits.
		info.Load[i] = uint32(uint64(si.Loads[i]) * 100 >> 16)
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(tmpDir, &fs); err == nil {
		info.TmpDiskMB = fs.Blocks * uint64(fs.Bsize) / mib
	}
	if b, err := os.ReadFile(bootIdPath); err == nil {
		info.BootId = strings.TrimSpace(string(b))
	}
	return info, nil
}
