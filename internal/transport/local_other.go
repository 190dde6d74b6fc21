//go:build !(linux || darwin || freebsd || netbsd || openbsd)

// internal/transport/local_other.go
package transport

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
