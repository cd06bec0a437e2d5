package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/imdario/mergo"
	"go.opentelemetry.io/otel"

	"github.com/tinkerbell/rs-pxe/internal/dhcpreply"
	"github.com/tinkerbell/rs-pxe/internal/frame"
	"github.com/tinkerbell/rs-pxe/internal/handle"
	"github.com/tinkerbell/rs-pxe/internal/pxeerr"
	"github.com/tinkerbell/rs-pxe/internal/pxesocket"
	"github.com/tinkerbell/rs-pxe/internal/rawdevice"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()
	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, "github.com/tinkerbell/rs-pxe")
	defer otelShutdown(ctx)

	l := stdr.New(log.New(os.Stdout, "", log.Lshortfile))
	l = l.WithName("github.com/tinkerbell/rs-pxe")

	var (
		ifaceName string
		serverIP  string
		tftpRoot  string
		cfg       dhcpreply.ServerConfig
	)
	flag.StringVar(&ifaceName, "raw", "eth0", "network interface to bind the raw socket to")
	flag.StringVar(&serverIP, "ip", "", "IP address this server answers DHCP/TFTP from")
	flag.StringVar(&cfg.IpxeFilename, "ipxe", "", "filename offered to a PXE ROM client")
	flag.StringVar(&cfg.BootFilename, "kernel", "", "filename offered to an iPXE client")
	flag.StringVar(&tftpRoot, "tftp-root", ".", "directory TFTP filenames are resolved against")
	flag.Parse()

	if serverIP == "" {
		fmt.Fprintln(os.Stderr, "pxeboot: -ip is required")
		os.Exit(2)
	}

	// Flags left unset by the operator fall back to these, the way
	// ListenAndServe fills in an unconfigured Listener before serving.
	defaults := &dhcpreply.ServerConfig{
		IpxeFilename: "undionly.kpxe",
		BootFilename: "boot.ipxe",
	}
	if err := mergo.Merge(&cfg, defaults); err != nil {
		l.Error(err, "merge default server config")
		os.Exit(1)
	}

	dev, err := rawdevice.Open(ifaceName)
	if err != nil {
		l.Error(err, "open raw device")
		os.Exit(1)
	}
	defer dev.Close()

	cfg.ServerIP = net.ParseIP(serverIP)
	cfg.ServerMAC = dev.HardwareAddr()

	open := func(filename string) (*handle.File, int64, error) {
		h, err := handle.NewFile(tftpRoot + "/" + filename)
		if err != nil {
			return nil, 0, err
		}
		size, err := h.Size()
		if err != nil {
			return nil, 0, err
		}
		return h, size, nil
	}

	tracer := otel.Tracer("github.com/tinkerbell/rs-pxe")
	engine := pxesocket.New(cfg, l, tracer, open)
	l.Info("listening", "interface", ifaceName, "serverIP", serverIP)

	if err := run(ctx, l, dev, engine); err != nil {
		l.Error(err, "exiting")
		os.Exit(1)
	}
}

// run drives the receive/timeout loop: block for the next frame (up to a
// short poll interval), hand it to the engine, write back whatever comes
// out, and sweep for due retransmissions whenever the read times out.
func run[H handle.Handle](ctx context.Context, l logr.Logger, dev *rawdevice.Device, engine *pxesocket.PxeSocket[H]) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := dev.ReadFrame(buf, time.Now().Add(100*time.Millisecond))
		if err != nil {
			for _, retry := range engine.ProcessTimeout(time.Now()) {
				writeFrame(l, dev, retry)
			}
			continue
		}

		out, perr := engine.Process(ctx, append([]byte(nil), buf[:n]...))
		if perr != nil {
			// A Tftp-kind violation still carries a terminal ERROR frame
			// in out that must reach the peer, so fall through to the
			// write below instead of skipping it.
			if kind, _ := pxeerr.KindOf(perr); kind != pxeerr.IgnoreNoLog {
				l.V(1).Info("frame not handled", "err", perr.Error())
			}
		}
		if out != nil {
			writeFrame(l, dev, out)
		}
	}
}

// writeFrame reads the destination MAC back out of ethFrame (bytes 0:6 of
// any Ethernet frame), so callers don't need to thread client addressing
// through the return values of Process/ProcessTimeout.
func writeFrame(l logr.Logger, dev *rawdevice.Device, ethFrame []byte) {
	dst := frame.BroadcastMAC
	if len(ethFrame) >= 6 {
		dst = net.HardwareAddr(ethFrame[0:6])
	}
	if err := dev.WriteFrame(ethFrame, dst); err != nil {
		l.Error(err, "write frame")
	}
}
