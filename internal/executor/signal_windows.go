//go:build windows

package executor

import "os"

// Windows has no SIGTERM; the first stage is already a hard kill.
func terminate(p *os.Process) error {
	return p.Kill()
}

func signalName(*os.ProcessState) string { return "" }
