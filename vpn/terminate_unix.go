//go:build unix

package vpn

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// setProcAttr starts the child in its own process group so the whole
// group can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree sends SIGKILL to the process group led by pid and to every
// descendant that moved to another group or session.
func terminateTree(proc *os.Process, pid int) error {
	// Collect descendants before the kill reparents them to init
	descendants := descendantPIDs(int32(pid))

	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = nil
	}
	if err != nil {
		// Fall back to the leader alone
		if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
		err = nil
	}

	for _, d := range descendants {
		if kerr := unix.Kill(int(d), unix.SIGKILL); kerr != nil && !errors.Is(kerr, unix.ESRCH) {
			err = errors.Join(err, kerr)
		}
	}
	return err
}

// descendantPIDs walks the process tree below pid.
func descendantPIDs(pid int32) []int32 {
	var out []int32
	seen := map[int32]bool{pid: true}
	queue := []int32{pid}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		p, err := process.NewProcess(cur)
		if err != nil {
			continue
		}
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c.Pid)
			queue = append(queue, c.Pid)
		}
	}
	return out
}
