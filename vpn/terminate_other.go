//go:build !unix

package vpn

import (
	"errors"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

func setProcAttr(cmd *exec.Cmd) {}

// terminateTree kills every descendant of pid, leaves first, then pid.
func terminateTree(proc *os.Process, pid int) error {
	var err error
	if p, perr := process.NewProcess(int32(pid)); perr == nil {
		err = killChildren(p)
	}
	if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		err = errors.Join(err, kerr)
	}
	return err
}

func killChildren(p *process.Process) error {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var errs error
	for _, c := range children {
		errs = errors.Join(errs, killChildren(c))
		if kerr := c.Kill(); kerr != nil {
			errs = errors.Join(errs, kerr)
		}
	}
	return errs
}
