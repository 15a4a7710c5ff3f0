package port

import (
	"net"
)

// Free asks the operating system for a TCP port that is currently unused.
func Free() (int, error) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer server.Close()

	return server.Addr().(*net.TCPAddr).Port, nil
}

// MustFree is Free for tests; it panics if no port could be obtained.
func MustFree() int {
	p, err := Free()
	if err != nil {
		panic(err)
	}
	return p
}
