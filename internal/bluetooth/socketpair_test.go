package bluetooth

import (
	"os"

	"golang.org/x/sys/unix"
)

// socketpairStream returns a connected pair of stream-socket *os.Files
// standing in for a real SCO fd in tests that only need a writable
// byte-stream peer, not an actual Bluetooth link.
func socketpairStream() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "sp0"), os.NewFile(uintptr(fds[1]), "sp1"), nil
}
