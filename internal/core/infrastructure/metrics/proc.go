package metrics

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// rssBytes 进程物理内存
// Linux 读取 /proc/self/status 的 VmRSS；macOS 只能拿到峰值 ru_maxrss；其他平台为 0
func rssBytes() uint64 {
	switch runtime.GOOS {
	case "linux":
		return rssFromProc()
	case "darwin":
		var rusage syscall.Rusage
		if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
			return 0
		}
		return uint64(rusage.Maxrss)
	default:
		return 0
	}
}

func rssFromProc() uint64 {
	file, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// VmRSS:    12345 kB
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// openFDInfo 已打开的文件描述符数量与软上限
func openFDInfo() (count int, limit uint64) {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		limit = rl.Cur
	}
	for _, dir := range []string{"/proc/self/fd", "/dev/fd"} {
		if entries, err := os.ReadDir(dir); err == nil {
			return len(entries), limit
		}
	}
	return 0, limit
}
