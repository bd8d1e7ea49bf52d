// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestConnectionPipelining(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	var got []string
	reply := func(tag string) ReplyFunc {
		return func(conn *Connection, errorName string, parameters *Object, flags ReplyFlags) error {
			pong, err := parameters.GetString("pong")
			if err != nil {
				return err
			}
			got = append(got, tag+":"+pong)
			return nil
		}
	}

	// Three pipelined calls; the middle one drops its reply.
	for i, tag := range []string{"a", "b", "c"} {
		var handler ReplyHandler
		if tag != "b" {
			handler = reply(tag)
		}
		p := pingParams(t, fmt.Sprintf("m%d", i))
		assert.Nil(t, conn.Call("org.example.test.Ping", p, 0, handler))
		p.Release()
	}
	assert.Equal(t, 3, len(conn.pending))

	rig.pumpUntil(func() bool { return len(got) == 2 }, conn)
	assert.Equal(t, []string{"a:m0", "c:m2"}, got)
	assert.Equal(t, 0, len(conn.pending))
	assert.False(t, conn.IsClosed())
}

func TestConnectionCallValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	err := conn.Call("org.example.test.Ping", nil, CallMore|CallOneway, nil)
	assert.Equal(t, ErrInvalidCall, CodeOf(err))

	err = conn.Call("NotQualified", nil, 0, nil)
	assert.Equal(t, ErrInvalidIdentifier, CodeOf(err))

	conn.Close()
	err = conn.Call("org.example.test.Ping", nil, 0, nil)
	assert.Equal(t, ErrConnectionClosed, CodeOf(err))
}

func TestConnectionEvents(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	assert.Equal(t, uint32(unix.EPOLLIN), conn.Events())

	conn.Close()
	assert.True(t, conn.IsClosed())
	assert.Equal(t, uint32(0), conn.Events())
	assert.Equal(t, -1, conn.Fd())
	assert.Equal(t, ErrConnectionClosed, CodeOf(conn.ProcessEvents(unix.EPOLLIN)))
}

func TestConnectionReplyHandlerFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	closed := false
	conn.SetClosedHandler(func() { closed = true })

	boom := errors.New("handler gives up")
	p := pingParams(t, "x")
	assert.Nil(t, conn.Call("org.example.test.Ping", p, 0,
		ReplyFunc(func(conn *Connection, errorName string, parameters *Object, flags ReplyFlags) error {
			return boom
		})))
	p.Release()

	// A second pending call is drained with the synthetic close error.
	var records []replyRecord
	p = pingParams(t, "y")
	assert.Nil(t, conn.Call("org.example.test.Ping", p, 0, collectReplies(&records)))
	p.Release()

	rig.pumpUntil(func() bool { return conn.IsClosed() }, conn)
	assert.True(t, closed)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, ReplyErrorConnectionClosed, records[0].errorName)
	assert.Equal(t, "{}", records[0].params)
	assert.Equal(t, ReplyFlags(0), records[0].flags)
}

func TestConnectionServerGone(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	rec := rig.call(conn, "org.example.test.Ping", pingParams(t, "alive"))
	assert.Equal(t, "", rec.errorName)

	rig.service.Close()
	rig.pumpUntil(func() bool { return conn.IsClosed() }, conn)

	assert.Equal(t, 0, len(conn.pending))
	err := conn.Call("org.example.test.Ping", nil, 0, nil)
	assert.Equal(t, ErrConnectionClosed, CodeOf(err))
}

func TestServiceMultipleClients(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	a := rig.connect()
	b := rig.connect()

	var aRecords, bRecords []replyRecord
	p := pingParams(t, "from a")
	assert.Nil(t, a.Call("org.example.test.Ping", p, 0, collectReplies(&aRecords)))
	p.Release()
	p = pingParams(t, "from b")
	assert.Nil(t, b.Call("org.example.test.Ping", p, 0, collectReplies(&bRecords)))
	p.Release()

	rig.pumpUntil(func() bool { return len(aRecords) == 1 && len(bRecords) == 1 }, a, b)
	assert.Equal(t, `{"pong":"from a"}`, aRecords[0].params)
	assert.Equal(t, `{"pong":"from b"}`, bRecords[0].params)

	// Closing one client leaves the other untouched.
	a.Close()
	rec := rig.call(b, "org.example.test.Ping", pingParams(t, "b still here"))
	assert.Equal(t, `{"pong":"b still here"}`, rec.params)
}

func TestServerSeesClientClose(t *testing.T) {
	rig := newTestRig(t)
	rig.addTestInterface()
	conn := rig.connect()

	assert.Nil(t, conn.Call("org.example.test.Hold", nil, 0, nil))
	rig.pumpUntil(func() bool { return len(rig.held) == 1 }, conn)

	gone := false
	rig.held[0].SetConnectionClosedHandler(func(*Call) { gone = true })

	conn.Close()
	rig.pumpUntil(func() bool { return gone })

	assert.Equal(t, ErrConnectionClosed, CodeOf(rig.held[0].Reply(nil, 0)))
	assert.Equal(t, -1, rig.held[0].ConnectionFd())
}

func TestConnectionOverTCP(t *testing.T) {
	lfd, _, err := Listen("tcp:127.0.0.1:0")
	assert.Nil(t, err)
	sa, err := unix.Getsockname(lfd)
	assert.Nil(t, err)
	address := fmt.Sprintf("tcp:127.0.0.1:%d", sa.(*unix.SockaddrInet4).Port)

	service, err := NewService(Info{Vendor: "libvarlink"}, "", WithListenFd(lfd))
	assert.Nil(t, err)
	defer service.Close()

	rig := &testRig{t: t, address: address, service: service}
	rig.addTestInterface()
	conn := rig.connect()

	// A TCP connect is usually still in progress here; the call is
	// queued in the stream until the socket opens.
	rec := rig.call(conn, "org.example.test.Ping", pingParams(t, "over tcp"))
	assert.Equal(t, "", rec.errorName)
	assert.Equal(t, `{"pong":"over tcp"}`, rec.params)
}

func TestConnectionRejectsBogusReplies(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		call  bool // issue one plain call first
	}{
		{"unsolicited reply", `{"parameters":{}}`, false},
		{"continues without more", `{"parameters":{},"continues":true}`, true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			address := fmt.Sprintf("unix:@org.example.bogus.%d.%d", os.Getpid(), i)
			lfd, _, err := Listen(address)
			assert.Nil(t, err)
			defer unix.Close(lfd)

			conn, err := Connect(address)
			assert.Nil(t, err)
			defer conn.Close()

			pfds := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
			_, err = unix.Poll(pfds, 1000)
			assert.Nil(t, err)
			peer, _, err := unix.Accept4(lfd, unix.SOCK_CLOEXEC)
			assert.Nil(t, err)
			defer unix.Close(peer)

			if tc.call {
				assert.Nil(t, conn.Call("org.example.bogus.Go", nil, 0, nil))
			}
			_, err = unix.Write(peer, append([]byte(tc.frame), 0))
			assert.Nil(t, err)

			var perr error
			for i := 0; i < 100 && !conn.IsClosed(); i++ {
				if revents := pollConn(t, conn); revents != 0 {
					perr = conn.ProcessEvents(revents)
				}
			}
			assert.True(t, conn.IsClosed())
			assert.Equal(t, ErrInvalidMessage, CodeOf(perr))
		})
	}
}
