//go:build !windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"

	sysconf "github.com/tklauser/go-sysconf"
)

// starttime is field 22 of /proc/<pid>/stat; after the ") " closing comm the
// state is field 3, so it sits at index 19 of the remainder.
const statStartIdx = 19

// startUnix returns when pid started, in Unix seconds, or 0 when unknown.
// Linux reads /proc directly; other systems go through gopsutil.
func startUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if t := procStatStart(pid); t > 0 {
			return t
		}
	}
	return createTimeUnix(pid)
}

func procStatStart(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces and parentheses
	end := bytes.LastIndex(b, []byte(") "))
	if end < 0 {
		return 0
	}
	fields := strings.Fields(string(b[end+2:]))
	if len(fields) <= statStartIdx {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[statStartIdx], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return boot + ticks/hz
}

// bootTime reads btime from /proc/stat.
func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
