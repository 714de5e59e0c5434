package supervisor

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/runspace/runspace/internal/logging"
)

// portInUse reports whether something accepts connections on the port.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// preemptPort evicts whatever process owns the port: graceful signal
// first, forceful if it lingers, then wait until the port is free.
func preemptPort(port int) error {
	if !portInUse(port) {
		return nil
	}

	pids, err := portOwners(port)
	if err != nil {
		return fmt.Errorf("port %d is busy and its owner could not be resolved: %w", port, err)
	}
	if len(pids) == 0 {
		return fmt.Errorf("port %d is busy but no owning process was found", port)
	}

	for _, pid := range pids {
		logging.Info().Int("pid", pid).Int("port", port).Msg("terminating process holding target port")
		terminatePID(pid, false)
	}
	if waitPortFree(port, 5*time.Second) {
		return nil
	}

	for _, pid := range pids {
		terminatePID(pid, true)
	}
	if waitPortFree(port, 5*time.Second) {
		return nil
	}
	return fmt.Errorf("port %d is still in use after terminating pids %v", port, pids)
}

func waitPortFree(port int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if !portInUse(port) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return !portInUse(port)
}

// portOwners resolves the PIDs listening on the port with the platform
// port query tool.
func portOwners(port int) ([]int, error) {
	if runtime.GOOS == "windows" {
		return portOwnersNetstat(port)
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDs(strings.Fields(string(out))), nil
}

func portOwnersNetstat(port int) ([]int, error) {
	out, err := exec.Command("netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return nil, err
	}

	needle := fmt.Sprintf(":%d", port)
	var pids []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if strings.HasSuffix(fields[1], needle) {
			pids = append(pids, fields[4])
		}
	}
	return parsePIDs(pids), nil
}

func parsePIDs(raw []string) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, s := range raw {
		pid, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

func terminatePID(pid int, force bool) {
	if runtime.GOOS == "windows" {
		args := []string{"/T", "/PID", strconv.Itoa(pid)}
		if force {
			args = append([]string{"/F"}, args...)
		}
		_ = exec.Command("taskkill", args...).Run()
		return
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(pid, sig)
}
