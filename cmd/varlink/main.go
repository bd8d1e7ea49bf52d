// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// varlink is a command line client for varlink services: it introspects
// them and calls their methods.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/ericonr/libvarlink/varlink"
)

const usageText = `usage:
  varlink info ADDRESS
  varlink help ADDRESS/INTERFACE
  varlink call [--more|--oneway] ADDRESS/INTERFACE.METHOD [ARGUMENTS]

ADDRESS is unix:PATH, unix:@NAME or tcp:HOST:PORT. ARGUMENTS is a JSON
object and defaults to {}.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "info":
		err = runInfo(args[1:])
	case "help":
		err = runHelp(args[1:])
	case "call":
		err = runCall(args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// splitTarget separates ADDRESS/MEMBER at the last slash, so socket paths
// containing slashes stay intact.
func splitTarget(target string) (address, member string, err error) {
	i := strings.LastIndexByte(target, '/')
	if i < 0 || i == len(target)-1 {
		return "", "", fmt.Errorf("expected ADDRESS/NAME, got %q", target)
	}
	return target[:i], target[i+1:], nil
}

func runInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("info expects exactly one ADDRESS")
	}
	conn, err := varlink.Connect(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	errorName, reply, err := callOnce(conn, "org.varlink.service.GetInfo", nil)
	if err != nil {
		return err
	}
	defer reply.Release()
	if errorName != "" {
		return callError(errorName, reply)
	}

	for _, field := range []struct{ label, name string }{
		{"Vendor", "vendor"},
		{"Product", "product"},
		{"Version", "version"},
		{"URL", "url"},
	} {
		if v, err := reply.GetString(field.name); err == nil {
			fmt.Printf("%s: %s\n", field.label, v)
		}
	}
	interfaces, err := reply.GetArray("interfaces")
	if err != nil {
		return nil
	}
	fmt.Println("Interfaces:")
	for i := 0; i < interfaces.Len(); i++ {
		if name, err := interfaces.GetString(i); err == nil {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

func runHelp(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("help expects exactly one ADDRESS/INTERFACE")
	}
	address, iface, err := splitTarget(args[0])
	if err != nil {
		return err
	}
	conn, err := varlink.Connect(address)
	if err != nil {
		return err
	}
	defer conn.Close()

	parameters := varlink.NewObject()
	defer parameters.Release()
	if err := parameters.SetString("interface", iface); err != nil {
		return err
	}
	errorName, reply, err := callOnce(conn, "org.varlink.service.GetInterfaceDescription", parameters)
	if err != nil {
		return err
	}
	defer reply.Release()
	if errorName != "" {
		return callError(errorName, reply)
	}
	description, err := reply.GetString("description")
	if err != nil {
		return err
	}
	fmt.Print(description)
	return nil
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	more := fs.Bool("more", false, "ask for a stream of replies")
	oneway := fs.Bool("oneway", false, "send the call without expecting a reply")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return fmt.Errorf("call expects ADDRESS/INTERFACE.METHOD and optional ARGUMENTS")
	}
	if *more && *oneway {
		return fmt.Errorf("--more and --oneway are mutually exclusive")
	}

	address, method, err := splitTarget(rest[0])
	if err != nil {
		return err
	}
	var parameters *varlink.Object
	if len(rest) == 2 {
		parameters, err = varlink.ParseObject(rest[1])
		if err != nil {
			return fmt.Errorf("invalid ARGUMENTS: %w", err)
		}
		defer parameters.Release()
	}

	conn, err := varlink.Connect(address)
	if err != nil {
		return err
	}
	defer conn.Close()

	var flags varlink.CallFlags
	switch {
	case *more:
		flags = varlink.CallMore
	case *oneway:
		flags = varlink.CallOneway
	}

	var (
		done    bool
		callErr error
	)
	err = conn.Call(method, parameters, flags, varlink.ReplyFunc(
		func(_ *varlink.Connection, errorName string, p *varlink.Object, rf varlink.ReplyFlags) error {
			if rf&varlink.ReplyContinues == 0 {
				done = true
			}
			if errorName != "" {
				callErr = callError(errorName, p)
				return nil
			}
			return printIndented(p)
		}))
	if err != nil {
		return err
	}
	if *oneway {
		return drainWrites(conn)
	}
	if err := pump(conn, &done); err != nil {
		return err
	}
	return callErr
}

// callOnce performs a single unary call and pumps the connection until its
// reply arrives. The returned parameters are retained for the caller.
func callOnce(conn *varlink.Connection, method string, parameters *varlink.Object) (string, *varlink.Object, error) {
	var (
		done      bool
		errorName string
		reply     *varlink.Object
	)
	err := conn.Call(method, parameters, 0, varlink.ReplyFunc(
		func(_ *varlink.Connection, name string, p *varlink.Object, _ varlink.ReplyFlags) error {
			done = true
			errorName = name
			reply = p.Retain()
			return nil
		}))
	if err != nil {
		return "", nil, err
	}
	if err := pump(conn, &done); err != nil {
		if reply != nil {
			reply.Release()
		}
		return "", nil, err
	}
	return errorName, reply, nil
}

func callError(errorName string, parameters *varlink.Object) error {
	if parameters.Len() == 0 {
		return fmt.Errorf("call failed: %s", errorName)
	}
	detail, err := parameters.ToJSON()
	if err != nil {
		return fmt.Errorf("call failed: %s", errorName)
	}
	return fmt.Errorf("call failed: %s %s", errorName, detail)
}

// printIndented writes one reply's parameters to stdout as indented JSON.
func printIndented(parameters *varlink.Object) error {
	compact, err := parameters.ToJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(compact), "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

// pump drives the connection's event loop until done flips to true.
func pump(conn *varlink.Connection, done *bool) error {
	for !*done {
		revents, err := pollConn(conn)
		if err != nil {
			return err
		}
		if err := conn.ProcessEvents(revents); err != nil {
			return err
		}
	}
	return nil
}

// drainWrites flushes buffered output so a oneway call is on the wire
// before the process exits.
func drainWrites(conn *varlink.Connection) error {
	for !conn.IsClosed() && conn.Events()&unix.EPOLLOUT != 0 {
		revents, err := pollConn(conn)
		if err != nil {
			return err
		}
		if err := conn.ProcessEvents(revents); err != nil {
			return err
		}
	}
	return nil
}

// pollConn blocks until the connection's requested events are ready and
// translates poll revents into the epoll mask ProcessEvents expects.
func pollConn(conn *varlink.Connection) (uint32, error) {
	if conn.IsClosed() {
		return 0, &varlink.Error{Code: varlink.ErrConnectionClosed, Message: "connection closed"}
	}
	events := conn.Events()
	var want int16
	if events&unix.EPOLLIN != 0 {
		want |= unix.POLLIN
	}
	if events&unix.EPOLLOUT != 0 {
		want |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(conn.Fd()), Events: want}}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		break
	}
	var revents uint32
	if fds[0].Revents&unix.POLLIN != 0 {
		revents |= unix.EPOLLIN
	}
	if fds[0].Revents&unix.POLLOUT != 0 {
		revents |= unix.EPOLLOUT
	}
	if fds[0].Revents&unix.POLLHUP != 0 {
		revents |= unix.EPOLLHUP
	}
	if fds[0].Revents&unix.POLLERR != 0 {
		revents |= unix.EPOLLERR
	}
	return revents, nil
}
