package supervisor

import (
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// buildCommand constructs the exec.Cmd for a resolved argv. Windows
// children go through the system shell so runner shims (npx.cmd and
// friends) resolve; POSIX spawns directly.
func buildCommand(argv []string, dir string, environ []string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", append([]string{"/c"}, argv...)...)
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = dir
	cmd.Env = environ
	return cmd
}

// terminate asks the child to exit and escalates when it does not.
// POSIX sends SIGTERM and follows with SIGKILL after the grace window.
// Windows tree-kills immediately since console processes have no
// SIGTERM equivalent.
func terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
		select {
		case <-exited:
		case <-time.After(grace):
		}
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-exited
	}
}

// kill force-terminates the child without a grace window. Used when a
// start attempt fails with the process still alive.
func kill(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
	} else {
		_ = cmd.Process.Kill()
	}
	if exited != nil {
		<-exited
	}
}
