//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// detach moves the encoder into its own process group so a terminal Ctrl-C
// only reaches the recorder, which then closes stdin to finish the file.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
