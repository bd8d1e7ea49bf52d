// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseAddress turns a textual varlink address into a socket family and
// sockaddr. Supported forms:
//
//	unix:/run/org.example.ping        filesystem UNIX socket
//	unix:@org.example.ping            abstract UNIX socket
//	tcp:127.0.0.1:12345               TCP over IPv4
//	tcp:[::1]:12345                   TCP over IPv6
//
// path is the filesystem path for non-abstract UNIX sockets, empty
// otherwise.
func parseAddress(address string) (family int, sa unix.Sockaddr, path string, err error) {
	switch {
	case strings.HasPrefix(address, "unix:"):
		name := address[len("unix:"):]
		if name == "" {
			return 0, nil, "", newError(ErrInvalidAddress, "empty unix socket name")
		}
		sa := &unix.SockaddrUnix{Name: name}
		if name[0] == '@' {
			// x/sys spells the abstract namespace with a leading '@'.
			return unix.AF_UNIX, sa, "", nil
		}
		return unix.AF_UNIX, sa, name, nil
	case strings.HasPrefix(address, "tcp:"):
		hostport := address[len("tcp:"):]
		host, portName, err := net.SplitHostPort(hostport)
		if err != nil {
			return 0, nil, "", errorf(ErrInvalidAddress, "tcp address %q: %v", hostport, err)
		}
		port, err := strconv.Atoi(portName)
		if err != nil || port < 0 || port > 65535 {
			return 0, nil, "", errorf(ErrInvalidAddress, "tcp port %q", portName)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return 0, nil, "", errorf(ErrInvalidAddress, "tcp host %q is not an IP address", host)
		}
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			return unix.AF_INET, sa, "", nil
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		return unix.AF_INET6, sa, "", nil
	default:
		return 0, nil, "", errorf(ErrInvalidAddress, "unsupported address %q", address)
	}
}

// Listen resolves address and returns a listening non-blocking descriptor
// suitable for NewService with WithListenFd. For filesystem UNIX sockets it
// also returns the bound path, which the caller must unlink after closing
// the descriptor; for abstract and TCP sockets path is empty. A stale
// socket file left behind by a previous run is removed before binding.
func Listen(address string) (fd int, path string, err error) {
	family, sa, path, err := parseAddress(address)
	if err != nil {
		return -1, "", err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", wrapError(ErrCannotListen, err)
	}
	if path != "" {
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
			os.Remove(path)
		}
	}
	if family != unix.AF_UNIX {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", wrapError(ErrCannotListen, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		if path != "" {
			os.Remove(path)
		}
		return -1, "", wrapError(ErrCannotListen, err)
	}
	return fd, path, nil
}

// connectAddress opens a non-blocking socket and starts connecting it.
// connecting reports that the connect is still in progress and must be
// confirmed by a writability event plus SO_ERROR.
func connectAddress(address string) (fd int, connecting bool, err error) {
	family, sa, _, err := parseAddress(address)
	if err != nil {
		return -1, false, err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, wrapError(ErrCannotConnect, err)
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, wrapError(ErrCannotConnect, err)
	}
}
