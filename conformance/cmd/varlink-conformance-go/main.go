// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// varlink-conformance-go serves the org.varlink.conformance interface
// for protocol test harnesses. It prints the address it listens on as
// the first line of stdout so a harness can wait for readiness.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sys/unix"

	"github.com/ericonr/libvarlink/conformance"
	"github.com/ericonr/libvarlink/varlink"
	varlinkotel "github.com/ericonr/libvarlink/varlink/otel"
)

func main() {
	unixAddr := flag.String("unix", "", "listen on a UNIX socket path, or @name for an abstract socket")
	tcpAddr := flag.String("tcp", "", "listen on a TCP host:port")
	trace := flag.Bool("trace", false, "emit OpenTelemetry traces and metrics to stderr")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	var address string
	switch {
	case *unixAddr != "" && *tcpAddr != "":
		fmt.Fprintln(os.Stderr, "--unix and --tcp are mutually exclusive")
		os.Exit(2)
	case *unixAddr != "":
		address = "unix:" + *unixAddr
	case *tcpAddr != "":
		address = "tcp:" + *tcpAddr
	default:
		address = fmt.Sprintf("unix:@org.varlink.conformance.%d", os.Getpid())
	}

	service, err := varlink.NewService(varlink.Info{
		Vendor:  "libvarlink",
		Product: "varlink-conformance-go",
		Version: "1",
		URL:     "https://github.com/ericonr/libvarlink",
	}, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		os.Exit(1)
	}
	defer service.Close()

	if err := conformance.RegisterMethods(service); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register interface: %v\n", err)
		os.Exit(1)
	}

	if *trace {
		shutdown, err := installTelemetry(service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to install telemetry: %v\n", err)
			os.Exit(1)
		}
		defer shutdown()
	}

	fmt.Printf("LISTEN:%s\n", address)

	if err := serve(service); err != nil {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}

// serve pumps the service until SIGTERM or SIGINT arrives. A pipe turns
// the signal into poll readiness so the loop never blocks past it.
func serve(service *varlink.Service) error {
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return err
	}
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		unix.Write(pipeFds[1], []byte{0})
	}()

	fds := []unix.PollFd{
		{Fd: int32(service.Fd()), Events: unix.POLLIN},
		{Fd: int32(pipeFds[0]), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if fds[1].Revents != 0 {
			return nil
		}
		if fds[0].Revents != 0 {
			if err := service.ProcessEvents(); err != nil {
				return err
			}
		}
	}
}

// installTelemetry wires stderr exporters into the service's dispatch
// hook. The returned function flushes and shuts the providers down.
func installTelemetry(service *varlink.Service) (func(), error) {
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	cfg := varlinkotel.DefaultConfig()
	cfg.TracerProvider = tracerProvider
	cfg.MeterProvider = meterProvider
	varlinkotel.InstrumentService(service, cfg)

	return func() {
		ctx := context.Background()
		tracerProvider.Shutdown(ctx)
		meterProvider.Shutdown(ctx)
	}, nil
}
