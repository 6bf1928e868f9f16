//go:build !linux

package agent

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func readSystemInfo(tmpDir string) (SystemInfo, error) {
	info := SystemInfo{Cpus: uint32(runtime.NumCPU())}
	var fs unix.Statfs_t
	if err := unix.Statfs(tmpDir, &fs); err == nil {
		info.TmpDiskMB = fs.Blocks * uint64(fs.Bsize) / mib
	}
	return info, nil
}
