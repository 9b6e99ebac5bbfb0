package main

import (
	"errors"

	"golang.org/x/sys/unix"
)

// peerCreds reads SO_PEERCRED off an accepted control-socket fd: the
// server never trusts a self-reported pid/uid/gid, only the kernel's.
func peerCreds(fd int) (pid int32, uid, gid uint32, err error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, 0, 0, err
	}
	return cred.Pid, cred.Uid, cred.Gid, nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func isTransientAcceptErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED)
}
