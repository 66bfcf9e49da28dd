//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(_ *exec.Cmd) {}

func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
