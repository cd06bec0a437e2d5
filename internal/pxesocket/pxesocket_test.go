package pxesocket

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinkerbell/rs-pxe/internal/dhcpreply"
	"github.com/tinkerbell/rs-pxe/internal/frame"
	"github.com/tinkerbell/rs-pxe/internal/handle"
	"github.com/tinkerbell/rs-pxe/internal/tftpsession"
	"github.com/tinkerbell/rs-pxe/internal/tftpwire"
)

func testConfig() dhcpreply.ServerConfig {
	return dhcpreply.ServerConfig{
		ServerIP:     net.IPv4(192, 168, 1, 1),
		ServerMAC:    net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		IpxeFilename: "undionly.kpxe",
		BootFilename: "boot.ipxe",
	}
}

func newEngine(t *testing.T, data []byte) *PxeSocket[*handle.Memory] {
	t.Helper()
	open := func(filename string) (*handle.Memory, int64, error) {
		return handle.NewMemory(data), int64(len(data)), nil
	}
	return New[*handle.Memory](testConfig(), logr.Discard(), trace.NewNoopTracerProvider().Tracer(""), open)
}

func buildDiscoverFrame(t *testing.T, clientMAC net.HardwareAddr) []byte {
	t.Helper()
	return buildDiscoverFrameWithUserClass(t, clientMAC, "")
}

// buildDiscoverFrameWithUserClass builds a PXE discover frame, optionally
// carrying option 77 (User Class Information) so the caller can drive the
// iPXE-firmware classification path.
func buildDiscoverFrameWithUserClass(t *testing.T, clientMAC net.HardwareAddr, userClass string) []byte {
	t.Helper()
	opts := []dhcpv4.Modifier{
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(93), []byte{0x00, 0x00})),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(94), []byte{0x01, 0x00, 0x00})),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(97), append([]byte{0x00}, make([]byte, 16)...))),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient:Arch:00000:UNDI:002001")),
	}
	if userClass != "" {
		opts = append(opts, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(77), []byte(userClass))))
	}
	req, err := dhcpv4.NewDiscovery(clientMAC, opts...)
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}

	out, err := frame.BuildUDP4(clientMAC, frame.BroadcastMAC, net.IPv4(0, 0, 0, 0), frame.BroadcastIP,
		frame.DHCPClientPort, frame.DHCPServerPort, req.ToBytes())
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}
	return out
}

func TestProcessDHCPDiscoverProducesOffer(t *testing.T) {
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	engine := newEngine(t, []byte("irrelevant"))

	out, err := engine.Process(context.Background(), buildDiscoverFrame(t, clientMAC))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out == nil {
		t.Fatalf("expected a reply frame")
	}

	udp, err := frame.ParseUDP4(out)
	if err != nil {
		t.Fatalf("ParseUDP4 on reply: %v", err)
	}
	reply, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		t.Fatalf("dhcpv4.FromBytes on reply: %v", err)
	}
	if reply.MessageType() != dhcpv4.MessageTypeOffer {
		t.Fatalf("MessageType = %v, want Offer", reply.MessageType())
	}
	if reply.BootFileName != "undionly.kpxe" {
		t.Fatalf("BootFileName = %q, want undionly.kpxe", reply.BootFileName)
	}
}

func TestProcessTFTPRRQThenAckDrivesTransfer(t *testing.T) {
	fileData := []byte("kernel image bytes")
	engine := newEngine(t, fileData)
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)
	// The kernel filename is only unlocked after a DHCP exchange classifies
	// the client as iPXE-firmware.
	engine.stages[clientMAC.String()] = stageKernel

	rrqBody := append([]byte("boot.ipxe"), 0)
	rrqBody = append(rrqBody, []byte("octet")...)
	rrqBody = append(rrqBody, 0)
	rrq := append([]byte{0, 1}, rrqBody...) // opcode RRQ = 1

	rrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, rrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}

	out, err := engine.Process(context.Background(), rrqFrame)
	if err != nil {
		t.Fatalf("Process(RRQ): %v", err)
	}
	if out == nil {
		t.Fatalf("expected a DATA reply to RRQ")
	}
	if len(engine.transfers) != 1 {
		t.Fatalf("expected one transfer registered, got %d", len(engine.transfers))
	}

	ack := []byte{0, 4, 0, 1} // opcode ACK = 4, block 1
	ackFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, ack)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}

	if _, err := engine.Process(context.Background(), ackFrame); err != nil {
		t.Fatalf("Process(ACK): %v", err)
	}
	if len(engine.transfers) != 0 {
		t.Fatalf("expected transfer to be removed after final ack, got %d remaining", len(engine.transfers))
	}
}

// TestProcessRRQForKernelFileRequiresPriorIpxeExchange exercises the S4
// gating rule end to end: a client that has never been seen over DHCP may
// not pull the kernel filename, but the same client can pull it immediately
// after a DHCP exchange classifies it as iPXE firmware.
func TestProcessRRQForKernelFileRequiresPriorIpxeExchange(t *testing.T) {
	fileData := []byte("kernel image bytes")
	engine := newEngine(t, fileData)
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)

	rrqBody := append([]byte("boot.ipxe"), 0)
	rrqBody = append(rrqBody, []byte("octet")...)
	rrqBody = append(rrqBody, 0)
	rrq := append([]byte{0, 1}, rrqBody...)
	rrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, rrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}

	out, err := engine.Process(context.Background(), rrqFrame)
	if err != nil {
		t.Fatalf("Process(RRQ before DHCP): %v", err)
	}
	udp, err := frame.ParseUDP4(out)
	if err != nil {
		t.Fatalf("ParseUDP4: %v", err)
	}
	op, body, err := tftpwire.ParseOpcode(udp.Payload)
	if err != nil || op != tftpwire.OpERROR {
		t.Fatalf("op = %v, err = %v, want ERROR", op, err)
	}
	e, err := tftpwire.ParseErr(body)
	if err != nil {
		t.Fatalf("ParseErr: %v", err)
	}
	if e.Code != tftpwire.ErrFileNotFound {
		t.Fatalf("error code = %d, want ErrFileNotFound before any DHCP exchange", e.Code)
	}
	if len(engine.transfers) != 0 {
		t.Fatalf("expected no transfer to be registered before the client is classified")
	}

	// An iPXE-firmware DHCP discover from the same client unlocks the
	// kernel filename.
	ipxeDiscoverFrame := buildDiscoverFrameWithUserClass(t, clientMAC, "iPXE")
	if _, err := engine.Process(context.Background(), ipxeDiscoverFrame); err != nil {
		t.Fatalf("Process(discover): %v", err)
	}

	out, err = engine.Process(context.Background(), rrqFrame)
	if err != nil {
		t.Fatalf("Process(RRQ after DHCP): %v", err)
	}
	if out == nil {
		t.Fatalf("expected a DATA reply to RRQ once classified")
	}
	if len(engine.transfers) != 1 {
		t.Fatalf("expected one transfer registered, got %d", len(engine.transfers))
	}
}

func TestProcessRRQForMissingFileReturnsFileNotFound(t *testing.T) {
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)
	engine := New[*handle.Memory](testConfig(), logr.Discard(), trace.NewNoopTracerProvider().Tracer(""),
		func(filename string) (*handle.Memory, int64, error) {
			return nil, 0, fmt.Errorf("no such file: %s", filename)
		})

	// The iPXE filename always passes the stage gate; this test exercises
	// the later "open fails" path.
	rrqBody := append([]byte("undionly.kpxe"), 0)
	rrqBody = append(rrqBody, []byte("octet")...)
	rrqBody = append(rrqBody, 0)
	rrq := append([]byte{0, 1}, rrqBody...)

	rrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, rrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}

	out, err := engine.Process(context.Background(), rrqFrame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	udp, err := frame.ParseUDP4(out)
	if err != nil {
		t.Fatalf("ParseUDP4: %v", err)
	}
	op, body, err := tftpwire.ParseOpcode(udp.Payload)
	if err != nil || op != tftpwire.OpERROR {
		t.Fatalf("op = %v, err = %v, want ERROR", op, err)
	}
	e, err := tftpwire.ParseErr(body)
	if err != nil {
		t.Fatalf("ParseErr: %v", err)
	}
	if e.Code != tftpwire.ErrFileNotFound {
		t.Fatalf("error code = %d, want ErrFileNotFound", e.Code)
	}
	if len(engine.transfers) != 0 {
		t.Fatalf("expected no transfer to be registered for a missing file")
	}
}

func TestProcessWRQIsRejectedWithIllegalOperation(t *testing.T) {
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)
	engine := newEngine(t, []byte("irrelevant"))

	wrqBody := append([]byte("upload.img"), 0)
	wrqBody = append(wrqBody, []byte("octet")...)
	wrqBody = append(wrqBody, 0)
	wrq := append([]byte{0, 2}, wrqBody...) // opcode WRQ = 2

	wrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, wrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}

	out, err := engine.Process(context.Background(), wrqFrame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	udp, err := frame.ParseUDP4(out)
	if err != nil {
		t.Fatalf("ParseUDP4: %v", err)
	}
	op, body, err := tftpwire.ParseOpcode(udp.Payload)
	if err != nil || op != tftpwire.OpERROR {
		t.Fatalf("op = %v, err = %v, want ERROR", op, err)
	}
	e, err := tftpwire.ParseErr(body)
	if err != nil {
		t.Fatalf("ParseErr: %v", err)
	}
	if e.Code != tftpwire.ErrIllegalOperation {
		t.Fatalf("error code = %d, want ErrIllegalOperation", e.Code)
	}
}

func TestProcessTimeoutRetransmitsDueTransfers(t *testing.T) {
	fileData := []byte("kernel image bytes, long enough to not finish in one block maybe")
	engine := newEngine(t, fileData)
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)
	engine.stages[clientMAC.String()] = stageKernel

	rrqBody := append([]byte("boot.ipxe"), 0)
	rrqBody = append(rrqBody, []byte("octet")...)
	rrqBody = append(rrqBody, 0)
	rrq := append([]byte{0, 1}, rrqBody...)

	rrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, rrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}
	if _, err := engine.Process(context.Background(), rrqFrame); err != nil {
		t.Fatalf("Process(RRQ): %v", err)
	}
	if len(engine.transfers) != 1 {
		t.Fatalf("expected one transfer registered, got %d", len(engine.transfers))
	}

	// Nothing is due yet.
	if frames := engine.ProcessTimeout(time.Now()); len(frames) != 0 {
		t.Fatalf("expected no retransmits before RetryTimeout elapses, got %d", len(frames))
	}

	frames := engine.ProcessTimeout(time.Now().Add(tftpsession.RetryTimeout + time.Millisecond))
	if len(frames) != 1 {
		t.Fatalf("expected one retransmit frame, got %d", len(frames))
	}
	if len(engine.transfers) != 1 {
		t.Fatalf("expected the transfer to still be registered after a single retransmit")
	}
}

func TestProcessTimeoutAbandonsTransferPastMaxRetries(t *testing.T) {
	fileData := []byte("x")
	engine := newEngine(t, fileData)
	clientMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	clientIP := net.IPv4(192, 168, 1, 50)
	engine.stages[clientMAC.String()] = stageKernel

	rrqBody := append([]byte("boot.ipxe"), 0)
	rrqBody = append(rrqBody, []byte("octet")...)
	rrqBody = append(rrqBody, 0)
	rrq := append([]byte{0, 1}, rrqBody...)
	rrqFrame, err := frame.BuildUDP4(clientMAC, engine.cfg.ServerMAC, clientIP, engine.cfg.ServerIP, 2070, tftpPort, rrq)
	if err != nil {
		t.Fatalf("BuildUDP4: %v", err)
	}
	if _, err := engine.Process(context.Background(), rrqFrame); err != nil {
		t.Fatalf("Process(RRQ): %v", err)
	}

	due := time.Now()
	var lastFrames [][]byte
	for i := 0; i <= tftpsession.MaxRetries; i++ {
		due = due.Add(tftpsession.RetryTimeout + time.Millisecond)
		lastFrames = engine.ProcessTimeout(due)
	}

	if len(engine.transfers) != 0 {
		t.Fatalf("expected transfer to be abandoned after exceeding MaxRetries, got %d remaining", len(engine.transfers))
	}

	// The final sweep must hand the peer a terminal ERROR, not silence.
	if len(lastFrames) != 1 {
		t.Fatalf("expected one terminal error frame on the abandoning sweep, got %d", len(lastFrames))
	}
	udp, err := frame.ParseUDP4(lastFrames[0])
	if err != nil {
		t.Fatalf("ParseUDP4: %v", err)
	}
	op, body, err := tftpwire.ParseOpcode(udp.Payload)
	if err != nil || op != tftpwire.OpERROR {
		t.Fatalf("op = %v, err = %v, want ERROR", op, err)
	}
	e, err := tftpwire.ParseErr(body)
	if err != nil {
		t.Fatalf("ParseErr: %v", err)
	}
	if e.Code != tftpwire.ErrNotDefined {
		t.Fatalf("error code = %d, want ErrNotDefined", e.Code)
	}
}
