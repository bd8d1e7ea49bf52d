// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Info describes a service to clients via org.varlink.service.GetInfo.
type Info struct {
	Vendor  string
	Product string
	Version string
	URL     string
}

// MethodHandler handles one dispatched call. parameters is borrowed and
// sealed read-only; Retain it to keep it past the handler's return. A
// non-nil error is a local handler failure: it is logged and closes the
// connection that carried the call. Call-level failures are reported to
// the peer with ReplyError instead.
type MethodHandler interface {
	HandleCall(call *Call, parameters *Object, flags CallFlags) error
}

// HandlerFunc adapts a function to the MethodHandler interface.
type HandlerFunc func(call *Call, parameters *Object, flags CallFlags) error

func (f HandlerFunc) HandleCall(call *Call, parameters *Object, flags CallFlags) error {
	return f(call, parameters, flags)
}

// MethodBinding pairs one declared method name with its handler for
// AddInterface.
type MethodBinding struct {
	Name    string
	Handler MethodHandler
}

// Bind builds a MethodBinding.
func Bind(name string, handler MethodHandler) MethodBinding {
	return MethodBinding{Name: name, Handler: handler}
}

// BindFunc builds a MethodBinding from a plain function.
func BindFunc(name string, fn func(*Call, *Object, CallFlags) error) MethodBinding {
	return MethodBinding{Name: name, Handler: HandlerFunc(fn)}
}

// ServiceOption configures NewService and NewRawService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	listenFd int
}

// WithListenFd adopts an externally prepared listening descriptor instead
// of binding the address, for socket-activation handoff. The descriptor is
// switched to non-blocking mode; the service takes ownership and closes it
// on Close.
func WithListenFd(fd int) ServiceOption {
	return func(o *serviceOptions) {
		o.listenFd = fd
	}
}

// registeredInterface pairs a parsed schema with its handler table.
type registeredInterface struct {
	schema   *Interface
	handlers map[string]MethodHandler
}

// Service is the server side of the engine. It owns a listening socket and
// every accepted connection, routes complete call frames to registered
// handlers, and enforces the reply state machine.
//
// The service never blocks and runs no goroutines: the host event loop
// polls Fd for readability and calls ProcessEvents. All methods must be
// called from that single goroutine.
type Service struct {
	info       Info
	rawHandler MethodHandler // nil unless built by NewRawService

	epollFd    int
	listenFd   int
	listenPath string // socket file to unlink on Close, if any

	interfaces map[string]*registeredInterface
	conns      map[int]*serviceConn

	hook    DispatchHook
	baseCtx context.Context
	closed  bool
}

// serviceConn is one accepted client connection. At most one call is in
// flight at a time: while current is set, buffered frames are not
// dispatched and read interest is dropped, so pipelined peers see kernel
// backpressure instead of interleaved replies.
type serviceConn struct {
	id          string
	service     *Service
	stream      *stream
	current     *Call
	events      uint32 // epoll interest currently registered
	dispatching bool   // guards drainFrames against re-entry
	closed      bool
}

// NewService binds address (or adopts the WithListenFd descriptor) and
// returns a service implementing org.varlink.service with the given
// metadata. Further interfaces are registered with AddInterface.
func NewService(info Info, address string, opts ...ServiceOption) (*Service, error) {
	s, err := newService(info, address, nil, opts)
	if err != nil {
		return nil, err
	}
	err = s.AddInterface(serviceInterfaceDescription,
		BindFunc("GetInfo", s.handleGetInfo),
		BindFunc("GetInterfaceDescription", s.handleGetInterfaceDescription),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewRawService builds a service with no interface registry: every call,
// including org.varlink.service ones, goes to handler unrouted. It is the
// building block for proxies and resolvers. AddInterface on a raw service
// fails with InvalidCall.
func NewRawService(address string, handler MethodHandler, opts ...ServiceOption) (*Service, error) {
	if handler == nil {
		return nil, newError(ErrInvalidCall, "nil raw handler")
	}
	return newService(Info{}, address, handler, opts)
}

func newService(info Info, address string, rawHandler MethodHandler, opts []ServiceOption) (*Service, error) {
	options := serviceOptions{listenFd: -1}
	for _, opt := range opts {
		opt(&options)
	}

	listenFd, listenPath := options.listenFd, ""
	if listenFd >= 0 {
		if err := unix.SetNonblock(listenFd, true); err != nil {
			return nil, wrapError(ErrCannotListen, err)
		}
	} else {
		var err error
		listenFd, listenPath, err = Listen(address)
		if err != nil {
			return nil, err
		}
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		if listenPath != "" {
			os.Remove(listenPath)
		}
		return nil, wrapError(ErrPanic, err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(listenFd)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, listenFd, &event); err != nil {
		unix.Close(epollFd)
		unix.Close(listenFd)
		if listenPath != "" {
			os.Remove(listenPath)
		}
		return nil, wrapError(ErrPanic, err)
	}

	return &Service{
		info:       info,
		rawHandler: rawHandler,
		epollFd:    epollFd,
		listenFd:   listenFd,
		listenPath: listenPath,
		interfaces: make(map[string]*registeredInterface),
		conns:      make(map[int]*serviceConn),
		baseCtx:    context.Background(),
	}, nil
}

// Info returns the service metadata reported by GetInfo.
func (s *Service) Info() Info {
	return s.info
}

// SetDispatchHook registers a hook called around each dispatched call.
func (s *Service) SetDispatchHook(hook DispatchHook) {
	s.hook = hook
}

// AddInterface parses an interface description and binds its declared
// methods to handlers. Every declared method must be bound exactly once
// and every binding must name a declared method; a mismatch, a duplicate
// interface, or malformed IDL fails with InvalidInterface and leaves the
// registry unchanged.
func (s *Service) AddInterface(description string, bindings ...MethodBinding) error {
	if s.rawHandler != nil {
		return newError(ErrInvalidCall, "raw service has no interface registry")
	}
	iface, err := ParseInterfaceDescription(description)
	if err != nil {
		return err
	}
	if _, ok := s.interfaces[iface.Name]; ok {
		return errorf(ErrInvalidInterface, "interface %s already registered", iface.Name)
	}
	handlers := make(map[string]MethodHandler, len(bindings))
	for _, b := range bindings {
		if iface.Method(b.Name) == nil {
			return errorf(ErrInvalidInterface, "binding for undeclared method %s.%s", iface.Name, b.Name)
		}
		if b.Handler == nil {
			return errorf(ErrInvalidInterface, "nil handler for method %s.%s", iface.Name, b.Name)
		}
		if _, ok := handlers[b.Name]; ok {
			return errorf(ErrInvalidInterface, "duplicate binding for method %s.%s", iface.Name, b.Name)
		}
		handlers[b.Name] = b.Handler
	}
	for _, name := range iface.Methods() {
		if _, ok := handlers[name]; !ok {
			return errorf(ErrInvalidInterface, "method %s.%s declared but not bound", iface.Name, name)
		}
	}
	s.interfaces[iface.Name] = &registeredInterface{schema: iface, handlers: handlers}
	return nil
}

// Fd returns the descriptor the host event loop polls for readability. It
// signals "service needs attention"; per-connection readiness is
// multiplexed internally.
func (s *Service) Fd() int {
	return s.epollFd
}

// ProcessEvents accepts pending connections, reads and dispatches complete
// call frames, and resumes blocked writes. It never blocks: the host calls
// it whenever Fd reports readable.
func (s *Service) ProcessEvents() error {
	if s.closed {
		return newError(ErrConnectionClosed, "service is closed")
	}
	var events [16]unix.EpollEvent
	for {
		n, err := unix.EpollWait(s.epollFd, events[:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return wrapError(ErrPanic, err)
		}
		if n == 0 {
			return nil
		}
		for _, ev := range events[:n] {
			if int(ev.Fd) == s.listenFd {
				s.acceptConnections()
				continue
			}
			conn, ok := s.conns[int(ev.Fd)]
			if !ok {
				continue
			}
			s.dispatchConnection(conn, ev.Events)
		}
	}
}

// acceptConnections drains the listener backlog. Accept failures are
// logged and skipped; they never stop the service.
func (s *Service) acceptConnections() {
	for {
		fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return
		default:
			slog.Error("accept failed", "err", wrapError(ErrCannotAccept, err))
			return
		}

		conn := &serviceConn{
			id:      uuid.NewString(),
			service: s,
			stream:  newStream(fd),
			events:  unix.EPOLLIN,
		}
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			slog.Error("accept failed", "err", wrapError(ErrCannotAccept, err))
			conn.stream.close()
			continue
		}
		s.conns[fd] = conn
		slog.Debug("connection accepted", "connection_id", conn.id, "fd", fd)
	}
}

// dispatchConnection services one connection's readiness events.
func (s *Service) dispatchConnection(conn *serviceConn, events uint32) {
	if conn.closed {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && conn.current != nil {
		// The peer vanished while a call was in flight; its reply can
		// never be delivered.
		s.closeConn(conn, newError(ErrConnectionClosed, "peer closed during call"))
		return
	}
	if events&unix.EPOLLOUT != 0 {
		if err := conn.stream.flush(); err != nil {
			s.closeConn(conn, err)
			return
		}
	}
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && conn.current == nil {
		if err := conn.stream.fill(); err != nil {
			s.closeConn(conn, err)
			return
		}
	}
	s.drainFrames(conn)
}

// drainFrames dispatches buffered frames until the connection pauses on an
// in-flight call, runs dry, or closes. After an EOF it keeps dispatching
// what the peer pipelined before closing, then tears the connection down.
func (s *Service) drainFrames(conn *serviceConn) {
	if conn.dispatching {
		return
	}
	conn.dispatching = true
	defer func() { conn.dispatching = false }()

	for !conn.closed && conn.current == nil {
		msg, n, err := conn.stream.readMessage()
		if err != nil {
			s.closeConn(conn, err)
			return
		}
		if msg == nil {
			break
		}
		s.dispatchCall(conn, msg, n)
		msg.Release()
	}
	if conn.closed {
		return
	}
	if conn.stream.hup && conn.current == nil && !conn.stream.hasBufferedFrame() {
		s.closeConn(conn, newError(ErrConnectionClosed, "peer closed connection"))
		return
	}
	s.updateEvents(conn)
}

// dispatchCall routes one call frame. Envelope violations close the
// connection; routing failures go back to the peer as wire-level error
// replies.
func (s *Service) dispatchCall(conn *serviceConn, msg *Object, frameSize int) {
	method, parameters, flags, err := unpackCall(msg)
	if err != nil {
		s.closeConn(conn, err)
		return
	}

	call := &Call{
		service:    s,
		conn:       conn,
		method:     method,
		parameters: parameters,
		flags:      flags,
		ctx:        s.baseCtx,
		stats:      &CallStatistics{},
	}
	call.stats.recordInput(frameSize)
	call.info = DispatchInfo{
		Method:       method,
		ConnectionID: conn.id,
		More:         flags&CallMore != 0,
		Oneway:       flags&CallOneway != 0,
	}
	if dot := strings.LastIndexByte(method, '.'); dot > 0 {
		call.info.Interface = method[:dot]
	}
	conn.current = call

	handler := s.rawHandler
	if handler == nil {
		ifaceName, methodName, err := splitMethodName(method)
		if err != nil {
			s.replyRouteError(call, ServiceErrorInterfaceNotFound, "interface", method)
			return
		}
		iface := s.interfaces[ifaceName]
		if iface == nil {
			s.replyRouteError(call, ServiceErrorInterfaceNotFound, "interface", ifaceName)
			return
		}
		handler = iface.handlers[methodName]
		if handler == nil {
			s.replyRouteError(call, ServiceErrorMethodNotFound, "method", methodName)
			return
		}
	}

	s.startHook(call)
	slog.Debug("dispatching call", "connection_id", conn.id, "method", method,
		"more", call.info.More, "oneway", call.info.Oneway)

	if err := handler.HandleCall(call, call.parameters, flags); err != nil {
		slog.Error("handler failed", "connection_id", conn.id, "method", method, "err", err)
		s.finishHook(call, err)
		if !conn.closed {
			s.closeConn(conn, err)
		}
		return
	}
	s.finishOneway(call)
}

// replyRouteError reports a routing failure to the peer and retires the
// call.
func (s *Service) replyRouteError(call *Call, name, field, value string) {
	p := NewObject()
	p.SetString(field, value)
	err := call.reply(name, p, 0)
	p.Release()
	if err != nil {
		slog.Debug("routing error reply failed", "connection_id", call.info.ConnectionID,
			"method", call.info.Method, "err", err)
	}
	s.finishOneway(call)
}

// finishOneway completes a oneway call once its dispatch has returned.
// Nothing was or will be written for it.
func (s *Service) finishOneway(call *Call) {
	if call.flags&CallOneway == 0 {
		return
	}
	conn := call.conn
	if conn == nil || conn.closed || conn.current != call {
		return
	}
	call.state = callDone
	conn.finishCall(call)
}

// finishCall retires the connection's in-flight call and resumes dispatch
// of frames buffered while it was pending.
func (c *serviceConn) finishCall(call *Call) {
	if c.current != call {
		return
	}
	c.current = nil
	c.service.finishHook(call, nil)
	call.release()
	c.service.drainFrames(c)
}

// updateEvents recomputes one connection's epoll interest: readable only
// while no call is in flight, writable only while a flush is owed.
func (s *Service) updateEvents(conn *serviceConn) {
	var events uint32
	if conn.current == nil {
		events |= unix.EPOLLIN
	}
	if conn.stream.pendingWrite() {
		events |= unix.EPOLLOUT
	}
	if events == conn.events {
		return
	}
	conn.events = events
	event := unix.EpollEvent{Events: events, Fd: int32(conn.stream.fd)}
	unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, conn.stream.fd, &event)
}

// closeConn tears down one connection: the in-flight call's closed handler
// fires, the descriptor leaves the epoll set and is closed. Idempotent.
func (s *Service) closeConn(conn *serviceConn, cause error) {
	if conn.closed {
		return
	}
	conn.closed = true
	delete(s.conns, conn.stream.fd)
	unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, conn.stream.fd, nil)

	if call := conn.current; call != nil {
		conn.current = nil
		if call.onConnClosed != nil {
			call.onConnClosed(call)
		}
		s.finishHook(call, newError(ErrConnectionClosed, "connection closed"))
		call.conn = nil
		call.release()
	}
	conn.stream.close()
	slog.Debug("connection closed", "connection_id", conn.id, "cause", cause)
}

// startHook runs the dispatch hook's start callpoint, panic-isolated.
func (s *Service) startHook(call *Call) {
	if s.hook == nil {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("dispatch hook start panic", "err", rv)
		}
	}()
	ctx, token := s.hook.OnDispatchStart(call.ctx, call.info)
	if ctx != nil {
		call.ctx = ctx
	}
	call.token = token
	call.hookStarted = true
}

// finishHook runs the dispatch hook's end callpoint exactly once per call,
// panic-isolated.
func (s *Service) finishHook(call *Call, err error) {
	if !call.hookStarted || call.hookDone {
		return
	}
	call.hookDone = true
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("dispatch hook end panic", "err", rv)
		}
	}()
	s.hook.OnDispatchEnd(call.ctx, call.token, call.info, call.stats, err)
}

// Close tears down every connection (firing per-call closed handlers),
// closes the listener and the epoll descriptor, and removes the socket
// file the service created. The service must not be used afterwards.
func (s *Service) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, conn := range s.conns {
		s.closeConn(conn, newError(ErrConnectionClosed, "service shutting down"))
	}
	unix.Close(s.listenFd)
	unix.Close(s.epollFd)
	if s.listenPath != "" {
		os.Remove(s.listenPath)
	}
}

// serviceInterfaceDescription is the introspection interface every non-raw
// service implements.
const serviceInterfaceDescription = `# The Varlink Service Interface is provided by every varlink service. It
# describes the service and the interfaces it implements.
interface org.varlink.service

# Get a list of all the interfaces a service provides and information
# about the implementation.
method GetInfo() -> (
  vendor: string,
  product: string,
  version: string,
  url: string,
  interfaces: []string
)

# Get the description of an interface that is implemented by this service.
method GetInterfaceDescription(interface: string) -> (description: string)

# The requested interface was not found.
error InterfaceNotFound (interface: string)

# The requested method was not found.
error MethodNotFound (method: string)

# The interface defines the requested method, but the service does not
# implement it.
error MethodNotImplemented (method: string)

# One of the passed parameters is invalid.
error InvalidParameter (parameter: string)
`

func (s *Service) handleGetInfo(call *Call, parameters *Object, flags CallFlags) error {
	names := make([]string, 0, len(s.interfaces))
	for name := range s.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	ifaces := NewArray()
	defer ifaces.Release()
	for _, name := range names {
		if err := ifaces.AppendString(name); err != nil {
			return err
		}
	}
	out := NewObject()
	defer out.Release()
	if err := out.SetString("vendor", s.info.Vendor); err != nil {
		return err
	}
	if err := out.SetString("product", s.info.Product); err != nil {
		return err
	}
	if err := out.SetString("version", s.info.Version); err != nil {
		return err
	}
	if err := out.SetString("url", s.info.URL); err != nil {
		return err
	}
	if err := out.SetArray("interfaces", ifaces); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (s *Service) handleGetInterfaceDescription(call *Call, parameters *Object, flags CallFlags) error {
	name, err := parameters.GetString("interface")
	if err != nil {
		return call.ReplyInvalidParameter("interface")
	}
	iface := s.interfaces[name]
	if iface == nil {
		p := NewObject()
		defer p.Release()
		if err := p.SetString("interface", name); err != nil {
			return err
		}
		return call.ReplyError(ServiceErrorInterfaceNotFound, p)
	}
	out := NewObject()
	defer out.Release()
	if err := out.SetString("description", iface.schema.Description()); err != nil {
		return err
	}
	return call.Reply(out, 0)
}
