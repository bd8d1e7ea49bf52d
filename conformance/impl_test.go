// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/ericonr/libvarlink/varlink"
)

// testPeer is a service with the conformance methods registered plus one
// client connection, pumped in lockstep without a host event loop.
type testPeer struct {
	t       *testing.T
	service *varlink.Service
	conn    *varlink.Connection
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	address := fmt.Sprintf("unix:@%s.%d", t.Name(), os.Getpid())
	service, err := varlink.NewService(varlink.Info{
		Vendor:  "libvarlink",
		Product: "conformance tests",
		Version: "1",
		URL:     "https://github.com/ericonr/libvarlink",
	}, address)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(service.Close)
	if err := RegisterMethods(service); err != nil {
		t.Fatalf("RegisterMethods: %v", err)
	}
	conn, err := varlink.Connect(address)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return &testPeer{t: t, service: service, conn: conn}
}

func (p *testPeer) pumpUntil(done func() bool) {
	p.t.Helper()
	for i := 0; i < 1000; i++ {
		if done() {
			return
		}
		if err := p.service.ProcessEvents(); err != nil {
			p.t.Fatalf("service ProcessEvents: %v", err)
		}
		if p.conn.IsClosed() {
			continue
		}
		if revents := pollEvents(p.t, p.conn); revents != 0 {
			// Teardown is observed through IsClosed.
			p.conn.ProcessEvents(revents)
		}
	}
	p.t.Fatalf("no progress after 1000 pump rounds")
}

// pollEvents polls the connection with its requested interest mask and
// translates the result back to epoll events.
func pollEvents(t *testing.T, conn *varlink.Connection) uint32 {
	t.Helper()
	want := conn.Events()
	var events int16
	if want&unix.EPOLLIN != 0 {
		events |= unix.POLLIN
	}
	if want&unix.EPOLLOUT != 0 {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(conn.Fd()), Events: events}}
	n, err := unix.Poll(fds, 1)
	if err != nil && err != unix.EINTR {
		t.Fatalf("poll: %v", err)
	}
	if n <= 0 {
		return 0
	}
	var revents uint32
	if fds[0].Revents&unix.POLLIN != 0 {
		revents |= unix.EPOLLIN
	}
	if fds[0].Revents&unix.POLLOUT != 0 {
		revents |= unix.EPOLLOUT
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		revents |= unix.EPOLLHUP
	}
	return revents
}

// reply captures one delivered reply as JSON text.
type reply struct {
	errorName string
	params    string
	flags     varlink.ReplyFlags
}

// call issues one call, consuming parameters, and pumps until the
// terminal reply arrives. It returns every reply in delivery order.
func (p *testPeer) call(method string, parameters *varlink.Object, flags varlink.CallFlags) []reply {
	p.t.Helper()
	var replies []reply
	terminal := false
	err := p.conn.Call(method, parameters, flags,
		varlink.ReplyFunc(func(conn *varlink.Connection, errorName string, params *varlink.Object, rflags varlink.ReplyFlags) error {
			text, err := params.ToJSON()
			if err != nil {
				return err
			}
			replies = append(replies, reply{errorName: errorName, params: text, flags: rflags})
			if rflags&varlink.ReplyContinues == 0 {
				terminal = true
			}
			return nil
		}))
	if parameters != nil {
		parameters.Release()
	}
	assert.Nil(p.t, err)
	p.pumpUntil(func() bool { return terminal })
	return replies
}

func parseParams(t *testing.T, text string) *varlink.Object {
	t.Helper()
	p, err := varlink.ParseObject(text)
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	return p
}

func TestInterfaceDescriptionParses(t *testing.T) {
	iface, err := varlink.ParseInterfaceDescription(InterfaceDescription)
	assert.Nil(t, err)
	assert.Equal(t, "org.varlink.conformance", iface.Name)
	assert.Equal(t, 14, len(iface.Methods()))
}

func TestScalarEcho(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.EchoBool", parseParams(t, `{"value":true}`), 0)
	assert.Equal(t, 1, len(replies))
	assert.Equal(t, "", replies[0].errorName)
	assert.Equal(t, `{"value":true}`, replies[0].params)

	replies = p.call("org.varlink.conformance.EchoInt", parseParams(t, `{"value":-42}`), 0)
	assert.Equal(t, `{"value":-42}`, replies[0].params)

	replies = p.call("org.varlink.conformance.EchoFloat", parseParams(t, `{"value":2.5}`), 0)
	assert.Equal(t, `{"value":2.5}`, replies[0].params)

	replies = p.call("org.varlink.conformance.EchoString", parseParams(t, `{"value":"héllo"}`), 0)
	assert.Equal(t, `{"value":"héllo"}`, replies[0].params)

	// Type mismatches come back as InvalidParameter, not as local errors.
	replies = p.call("org.varlink.conformance.EchoInt", parseParams(t, `{"value":"nope"}`), 0)
	assert.Equal(t, "org.varlink.service.InvalidParameter", replies[0].errorName)
	assert.Equal(t, `{"parameter":"value"}`, replies[0].params)
}

func TestAggregateEcho(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.EchoArray", parseParams(t, `{"values":[1,2,3]}`), 0)
	assert.Equal(t, `{"values":[1,2,3]}`, replies[0].params)

	nested := `{"value":{"a":[true,null],"b":{"c":"d"}}}`
	replies = p.call("org.varlink.conformance.EchoObject", parseParams(t, nested), 0)
	assert.Equal(t, nested, replies[0].params)

	record := `{"record":{"name":"r1","kind":"vector","count":3,"weight":0.5,"exact":false,"tags":["x","y"],"attributes":{"k":"v"},"comment":null}}`
	replies = p.call("org.varlink.conformance.Mirror", parseParams(t, record), 0)
	assert.Equal(t, record, replies[0].params)
}

func TestSum(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.Sum", parseParams(t, `{"terms":[1,2,3,4]}`), 0)
	assert.Equal(t, `{"sum":10}`, replies[0].params)

	replies = p.call("org.varlink.conformance.Sum", parseParams(t, `{"terms":[]}`), 0)
	assert.Equal(t, `{"sum":0}`, replies[0].params)

	replies = p.call("org.varlink.conformance.Sum", parseParams(t, `{"terms":[1,"x"]}`), 0)
	assert.Equal(t, "org.varlink.service.InvalidParameter", replies[0].errorName)
}

func TestSequence(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.Sequence", parseParams(t, `{"count":3}`), varlink.CallMore)
	assert.Equal(t, 3, len(replies))
	for i, r := range replies {
		assert.Equal(t, "", r.errorName)
		done := i == 2
		assert.Equal(t, fmt.Sprintf(`{"index":%d,"done":%v}`, i, done), r.params)
		if done {
			assert.Equal(t, varlink.ReplyFlags(0), r.flags)
		} else {
			assert.Equal(t, varlink.ReplyContinues, r.flags)
		}
	}
}

func TestSequenceValidation(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.Sequence", parseParams(t, `{"count":3}`), 0)
	assert.Equal(t, 1, len(replies))
	assert.Equal(t, ErrorExpectedMore, replies[0].errorName)
	assert.Equal(t, "{}", replies[0].params)

	replies = p.call("org.varlink.conformance.Sequence", parseParams(t, `{"count":0}`), varlink.CallMore)
	assert.Equal(t, "org.varlink.service.InvalidParameter", replies[0].errorName)
	assert.Equal(t, `{"parameter":"count"}`, replies[0].params)
}

func TestNotifications(t *testing.T) {
	p := newTestPeer(t)

	// Oneway notifications produce no reply frames.
	for _, message := range []string{"first", "second"} {
		np := parseParams(t, fmt.Sprintf(`{"message":%q}`, message))
		assert.Nil(t, p.conn.Call("org.varlink.conformance.Notify", np, varlink.CallOneway, nil))
		np.Release()
	}

	replies := p.call("org.varlink.conformance.Notifications", nil, 0)
	assert.Equal(t, `{"messages":["first","second"]}`, replies[0].params)

	// The same method called without oneway acknowledges.
	replies = p.call("org.varlink.conformance.Notify", parseParams(t, `{"message":"third"}`), 0)
	assert.Equal(t, "", replies[0].errorName)
	assert.Equal(t, "{}", replies[0].params)

	replies = p.call("org.varlink.conformance.Notifications", nil, 0)
	assert.Equal(t, `{"messages":["first","second","third"]}`, replies[0].params)
}

func TestPeerCredentials(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.Peer", nil, 0)
	assert.Equal(t, "", replies[0].errorName)
	creds, err := varlink.ParseObject(replies[0].params)
	assert.Nil(t, err)
	defer creds.Release()

	pid, err := creds.GetInt("pid")
	assert.Nil(t, err)
	assert.Equal(t, int64(os.Getpid()), pid)
	uid, err := creds.GetInt("uid")
	assert.Nil(t, err)
	assert.Equal(t, int64(os.Getuid()), uid)
	gid, err := creds.GetInt("gid")
	assert.Nil(t, err)
	assert.Equal(t, int64(os.Getgid()), gid)
}

func TestFail(t *testing.T) {
	p := newTestPeer(t)

	replies := p.call("org.varlink.conformance.Fail", parseParams(t, `{"code":7,"message":"expected failure"}`), 0)
	assert.Equal(t, ErrorFailure, replies[0].errorName)
	assert.Equal(t, `{"code":7,"message":"expected failure"}`, replies[0].params)
}

func TestHangup(t *testing.T) {
	p := newTestPeer(t)

	var errorName string
	err := p.conn.Call("org.varlink.conformance.Hangup", nil, 0,
		varlink.ReplyFunc(func(conn *varlink.Connection, name string, params *varlink.Object, flags varlink.ReplyFlags) error {
			errorName = name
			return nil
		}))
	assert.Nil(t, err)

	// The server drops the connection without replying.
	p.pumpUntil(func() bool { return p.conn.IsClosed() })
	assert.Equal(t, varlink.ReplyErrorConnectionClosed, errorName)
}
