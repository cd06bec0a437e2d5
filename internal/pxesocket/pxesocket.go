// Package pxesocket implements the engine (component E): demultiplexing
// inbound Ethernet frames by UDP port, driving the DHCP reply builder and
// the per-client TFTP transfer table, and producing the outbound frames to
// write back to the raw device. Grounded on rs_pxe's main.rs/socket.rs
// event loop (process/process_timeout).
package pxesocket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinkerbell/rs-pxe/internal/dhcpreply"
	"github.com/tinkerbell/rs-pxe/internal/frame"
	"github.com/tinkerbell/rs-pxe/internal/handle"
	"github.com/tinkerbell/rs-pxe/internal/pxeclassify"
	"github.com/tinkerbell/rs-pxe/internal/pxeerr"
	"github.com/tinkerbell/rs-pxe/internal/tftpsession"
	"github.com/tinkerbell/rs-pxe/internal/tftpwire"
)

// tftpPort is the single well-known port this server uses for every TFTP
// exchange, for every client, for the life of the transfer (see
// SPEC_FULL.md §9, Open Question ii): there is no per-transfer ephemeral
// port the way a conventional TFTP daemon allocates one.
const tftpPort = 69

// Opener opens filename for reading, returning a handle and its size (used
// to answer a tsize=0 proposal). In production this is handle.NewFile; in
// tests it can be backed by an in-memory fixture instead.
type Opener[H handle.Handle] func(filename string) (H, int64, error)

type clientKey struct {
	ip   string
	port uint16
}

type session[H handle.Handle] struct {
	xfer       *tftpsession.Transfer[H]
	clientMAC  net.HardwareAddr
	clientIP   net.IP
	clientPort uint16
	lastSentAt time.Time
}

// stage is which image a client is expected to request next over TFTP. A
// client starts at stageIpxe; a DHCP exchange that classifies it as
// IPxe-firmware advances it to stageKernel, unlocking the kernel filename.
type stage int

const (
	stageIpxe stage = iota
	stageKernel
)

// PxeSocket is the engine tying the wire codecs, classifier, reply
// builder, and TFTP state machine together. H is fixed for the lifetime of
// one engine instance: production wires handle.File, tests wire
// handle.Memory.
type PxeSocket[H handle.Handle] struct {
	cfg       dhcpreply.ServerConfig
	log       logr.Logger
	tracer    trace.Tracer
	open      Opener[H]
	transfers map[clientKey]*session[H]
	// stages is keyed by the client's hardware address (stable across the
	// DHCP exchange, which precedes any IP address, and the later TFTP
	// request, which does not share the DHCP transaction's IP/port).
	stages map[string]stage
}

// New builds an engine. tracer may be the global no-op tracer if the
// caller doesn't want spans.
func New[H handle.Handle](cfg dhcpreply.ServerConfig, log logr.Logger, tracer trace.Tracer, open Opener[H]) *PxeSocket[H] {
	return &PxeSocket[H]{
		cfg:       cfg,
		log:       log,
		tracer:    tracer,
		open:      open,
		transfers: make(map[clientKey]*session[H]),
		stages:    make(map[string]stage),
	}
}

// Process handles one inbound Ethernet frame, returning the Ethernet frame
// to transmit in response, or nil if nothing should be sent (the frame was
// irrelevant, malformed-but-silently-dropped, etc). Process returns the
// error of every Kind, Ignore and IgnoreNoLog included; the caller decides
// from the Kind whether to log it.
func (p *PxeSocket[H]) Process(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "pxesocket.Process")
	defer span.End()

	udp, err := frame.ParseUDP4(raw)
	if err != nil {
		return nil, pxeerr.New(pxeerr.Ignore, "not a udp4 frame: %v", err)
	}
	span.SetAttributes(
		attribute.String("src_ip", udp.SrcIP.String()),
		attribute.Int("dst_port", int(udp.DstPort)),
	)

	switch udp.DstPort {
	case frame.DHCPServerPort:
		return p.handleDHCP(ctx, udp)
	case tftpPort:
		return p.handleTFTP(ctx, udp)
	default:
		return nil, pxeerr.New(pxeerr.IgnoreNoLog, "uninteresting port %d", udp.DstPort)
	}
}

// ProcessTimeout sweeps the transfer table for sessions that have waited
// longer than tftpsession.RetryTimeout for an ACK, retransmitting their
// last packet (or terminating them past tftpsession.MaxRetries). It
// returns every frame that needs to be written out.
func (p *PxeSocket[H]) ProcessTimeout(now time.Time) [][]byte {
	var out [][]byte
	for key, sess := range p.transfers {
		if now.Sub(sess.lastSentAt) < tftpsession.RetryTimeout {
			continue
		}
		pkt, err := sess.xfer.Retransmit()
		if err != nil {
			if pe, ok := err.(*pxeerr.Error); ok && len(pe.Packet) > 0 {
				f, ferr := frame.BuildUDP4(p.cfg.ServerMAC, sess.clientMAC, p.cfg.ServerIP, sess.clientIP, tftpPort, sess.clientPort, pe.Packet)
				if ferr != nil {
					p.log.Error(ferr, "build terminal tftp error frame")
				} else {
					out = append(out, f)
				}
			}
			if kind, _ := pxeerr.KindOf(err); kind != pxeerr.Ignore {
				p.log.Info("tftp transfer abandoned after max retries", "client", key.ip)
			}
			delete(p.transfers, key)
			continue
		}
		f, err := frame.BuildUDP4(p.cfg.ServerMAC, sess.clientMAC, p.cfg.ServerIP, sess.clientIP, tftpPort, sess.clientPort, pkt)
		if err != nil {
			p.log.Error(err, "build retransmit frame")
			continue
		}
		sess.lastSentAt = now
		out = append(out, f)
	}
	return out
}

func (p *PxeSocket[H]) handleDHCP(ctx context.Context, udp *frame.UDP4) ([]byte, error) {
	pkt, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		return nil, pxeerr.New(pxeerr.Malformed, "dhcp: %v", err)
	}

	info, err := pxeclassify.PxeDiscover(pkt, p.log)
	if err != nil {
		return nil, err
	}
	if info.VendorID == nil || !info.VendorID.IsPXEClient() {
		return nil, pxeerr.New(pxeerr.Ignore, "not a pxe client: %+v", info.VendorID)
	}

	st := stageIpxe
	if info.FirmwareType == pxeclassify.IPxe {
		st = stageKernel
	}
	p.stages[udp.SrcMAC.String()] = st

	reply, err := dhcpreply.Build(pkt, info, p.cfg)
	if err != nil {
		return nil, pxeerr.Wrap(err, "build dhcp reply")
	}

	return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, frame.BroadcastIP,
		frame.DHCPServerPort, frame.DHCPClientPort, reply.ToBytes())
}

func (p *PxeSocket[H]) handleTFTP(ctx context.Context, udp *frame.UDP4) ([]byte, error) {
	opcode, body, err := tftpwire.ParseOpcode(udp.Payload)
	if err != nil {
		return nil, pxeerr.New(pxeerr.Malformed, "tftp: %v", err)
	}
	key := clientKey{ip: udp.SrcIP.String(), port: udp.SrcPort}

	switch opcode {
	case tftpwire.OpRRQ:
		return p.handleRRQ(key, udp, body)
	case tftpwire.OpACK:
		return p.handleACK(key, udp, body)
	case tftpwire.OpERROR:
		e, err := tftpwire.ParseErr(body)
		if err != nil {
			return nil, pxeerr.New(pxeerr.Malformed, "tftp error: %v", err)
		}
		if sess, ok := p.transfers[key]; ok {
			_ = sess.xfer.HandleError(e)
			delete(p.transfers, key)
		}
		return nil, pxeerr.New(pxeerr.StopTftpConnection, "client error %d: %s", e.Code, e.Msg)
	case tftpwire.OpWRQ:
		return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort,
			tftpwire.BuildErr(tftpwire.ErrIllegalOperation, "writes are not supported")), nil
	default:
		return nil, pxeerr.New(pxeerr.Malformed, "unexpected tftp opcode %s", opcode)
	}
}

func (p *PxeSocket[H]) handleRRQ(key clientKey, udp *frame.UDP4, body []byte) ([]byte, error) {
	req, err := tftpwire.ParseRequest(tftpwire.OpRRQ, body)
	if err != nil {
		return nil, pxeerr.New(pxeerr.Malformed, "tftp rrq: %v", err)
	}

	// The kernel filename is only ever valid for a client the DHCP path
	// has already classified as IPxe-firmware; anything else - including a
	// request for the kernel from a client still at stageIpxe - is File
	// not found, the same as any other unrecognized name.
	switch {
	case req.Filename == p.cfg.IpxeFilename:
	case req.Filename == p.cfg.BootFilename && p.stages[udp.SrcMAC.String()] == stageKernel:
	default:
		return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort,
			tftpwire.BuildErr(tftpwire.ErrFileNotFound, fmt.Sprintf("%s: not found", req.Filename)))
	}

	h, size, err := p.open(req.Filename)
	if err != nil {
		return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort,
			tftpwire.BuildErr(tftpwire.ErrFileNotFound, fmt.Sprintf("%s: not found", req.Filename)))
	}

	xfer, first, err := tftpsession.NewTransfer(h, p.log, req, size)
	if err != nil {
		return nil, pxeerr.Wrap(err, "start transfer for %s", req.Filename)
	}

	p.transfers[key] = &session[H]{
		xfer:       xfer,
		clientMAC:  udp.SrcMAC,
		clientIP:   udp.SrcIP,
		clientPort: udp.SrcPort,
		lastSentAt: time.Now(),
	}

	return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort, first)
}

func (p *PxeSocket[H]) handleACK(key clientKey, udp *frame.UDP4, body []byte) ([]byte, error) {
	ack, err := tftpwire.ParseAck(body)
	if err != nil {
		return nil, pxeerr.New(pxeerr.Malformed, "tftp ack: %v", err)
	}

	sess, ok := p.transfers[key]
	if !ok {
		return nil, pxeerr.New(pxeerr.Ignore, "ack for unknown transfer %s:%d", key.ip, key.port)
	}

	pkt, err := sess.xfer.HandleAck(ack)
	if err != nil {
		kind, _ := pxeerr.KindOf(err)
		if kind != pxeerr.Ignore {
			delete(p.transfers, key)
		}
		// A Tftp-kind violation carries the terminal ERROR the peer must
		// be told about before its transfer is discarded.
		if pe, ok := err.(*pxeerr.Error); ok && len(pe.Packet) > 0 {
			f, ferr := frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort, pe.Packet)
			if ferr == nil {
				return f, err
			}
		}
		return nil, err
	}
	if pkt == nil {
		delete(p.transfers, key)
		return nil, nil
	}

	sess.lastSentAt = time.Now()
	return frame.BuildUDP4(p.cfg.ServerMAC, udp.SrcMAC, p.cfg.ServerIP, udp.SrcIP, tftpPort, udp.SrcPort, pkt)
}
