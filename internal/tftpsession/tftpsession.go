// Package tftpsession implements the TFTP (RFC 1350) stop-and-wait transfer
// state machine: one Transfer per client, driving RRQ -> OACK/DATA -> ACK ->
// ... -> final short DATA -> ACK -> Terminated. Grounded on rs_pxe's
// tftp_state.rs (Connection, Transfer, retry/timeout handling).
package tftpsession

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/tinkerbell/rs-pxe/internal/handle"
	"github.com/tinkerbell/rs-pxe/internal/pxeerr"
	"github.com/tinkerbell/rs-pxe/internal/tftpwire"
)

const (
	// MaxRetries is the number of retransmissions attempted before a
	// transfer is abandoned.
	MaxRetries = 10
	// RetryTimeout is how long a transfer waits for an ACK before
	// retransmitting the last packet sent.
	RetryTimeout = 200 * time.Millisecond
	// DefaultBlksize is the TFTP default block size (RFC 1350) used when
	// the client does not negotiate blksize.
	DefaultBlksize = 512
	// MaxBlksize is the largest block size this server will agree to,
	// regardless of what a client proposes.
	MaxBlksize = 1428 // fits in one non-fragmented Ethernet frame alongside headers
)

// State is a transfer's position in the TFTP handshake.
type State int

const (
	// WaitingFirstAck is entered right after sending OACK (or, if the
	// client requested no options, the first DATA block); the transfer
	// is waiting for the client's first ACK.
	WaitingFirstAck State = iota
	// Sending is the steady state: blocks are being sent and acked.
	Sending
	// Terminated is a final state; the transfer is done (successfully or
	// not) and can be removed from the session table.
	Terminated
)

func (s State) String() string {
	switch s {
	case WaitingFirstAck:
		return "WaitingFirstAck"
	case Sending:
		return "Sending"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options is the negotiated subset of RFC 2347/2348/2349 TFTP options.
type Options struct {
	Blksize int
	Tsize   *int64 // nil if not requested
}

// negotiate parses the client's proposed options against the file size and
// the server's configured cap, producing the options actually granted (to
// be echoed in an OACK) plus the effective blksize to transfer at.
func negotiate(reqOpts []tftpwire.Option, fileSize int64) (granted []tftpwire.Option, opts Options) {
	opts.Blksize = DefaultBlksize
	for _, o := range reqOpts {
		switch o.Name {
		case "blksize":
			var v int
			if _, err := fmt.Sscanf(o.Value, "%d", &v); err == nil && v > 0 {
				if v > MaxBlksize {
					v = MaxBlksize
				}
				opts.Blksize = v
				granted = append(granted, tftpwire.Option{Name: "blksize", Value: fmt.Sprintf("%d", v)})
			}
		case "tsize":
			size := fileSize
			opts.Tsize = &size
			granted = append(granted, tftpwire.Option{Name: "tsize", Value: fmt.Sprintf("%d", size)})
		}
	}
	return granted, opts
}

// Transfer drives a single client's read-only TFTP download, reading its
// payload from an H (a handle.File in production, a handle.Memory in
// tests). Monomorphizing over the handle type avoids the overhead and
// indirection of an interface{}-boxed reader for the hot read path.
type Transfer[H handle.Handle] struct {
	h        H
	log      logr.Logger
	opts     Options
	state    State
	blockNum uint16
	retries  int
	lastSent []byte
	deadline time.Time
	done     bool
}

// NewTransfer builds a Transfer for an already-opened handle h, negotiating
// options against req and fileSize. It returns the first packet to send
// (an OACK if any option was granted, otherwise the first DATA block) and
// the Transfer to register against the client's address.
func NewTransfer[H handle.Handle](h H, log logr.Logger, req *tftpwire.Request, fileSize int64) (*Transfer[H], []byte, error) {
	granted, opts := negotiate(req.Options, fileSize)

	t := &Transfer[H]{
		h:        h,
		log:      log,
		opts:     opts,
		state:    WaitingFirstAck,
		blockNum: 0,
		deadline: time.Time{},
	}

	var first []byte
	if len(granted) > 0 {
		first = tftpwire.BuildOack(granted)
	} else {
		pkt, err := t.nextDataPacket()
		if err != nil {
			return nil, nil, err
		}
		first = pkt
	}
	t.lastSent = first
	return t, first, nil
}

// nextDataPacket reads the next block from the handle and serializes it,
// advancing blockNum with RFC 1350 wraparound: block numbers cycle
// 1..65535 and then back to 1, never revisiting 0 after the first block.
func (t *Transfer[H]) nextDataPacket() ([]byte, error) {
	buf := make([]byte, t.opts.Blksize)
	n, err := t.h.Read(buf)
	if err != nil {
		return nil, pxeerr.Wrap(err, "tftp: read next block")
	}
	buf = buf[:n]

	if t.blockNum == 65535 {
		t.blockNum = 1
	} else {
		t.blockNum++
	}
	if t.blockNum < 1 {
		t.blockNum = 1
	}

	if n < t.opts.Blksize {
		t.done = true
	}
	return tftpwire.BuildData(t.blockNum, buf), nil
}

// HandleAck processes an inbound ACK. It returns the next packet to send,
// or nil if the transfer is complete (the final short block has already
// been acked).
func (t *Transfer[H]) HandleAck(ack *tftpwire.Ack) ([]byte, error) {
	if t.state == Terminated {
		return nil, pxeerr.New(pxeerr.Ignore, "ack received for terminated transfer")
	}

	// The block number we expect to be acked is whatever we last sent: 0
	// after an OACK, or the real block number after a DATA packet - this
	// holds whether we're still WaitingFirstAck or already Sending.
	if ack.BlockNum != t.blockNum {
		if ack.BlockNum < t.blockNum {
			// A duplicate/retransmitted ack for a block already advanced
			// past; a no-op, not a violation.
			return nil, pxeerr.New(pxeerr.Ignore, "duplicate ack block %d, already at %d", ack.BlockNum, t.blockNum)
		}
		// An ack for a block never sent is a genuine protocol violation:
		// terminate the transfer and tell the peer.
		t.state = Terminated
		pkt := tftpwire.BuildErr(tftpwire.ErrIllegalOperation, "ack for unsent block")
		return nil, pxeerr.TftpViolation(pkt, "ack block %d ahead of %d", ack.BlockNum, t.blockNum)
	}
	t.state = Sending

	if t.done {
		t.state = Terminated
		return nil, nil
	}

	t.retries = 0
	pkt, err := t.nextDataPacket()
	if err != nil {
		t.state = Terminated
		return nil, err
	}
	t.lastSent = pkt
	return pkt, nil
}

// HandleError processes an inbound ERROR packet from the client, which
// always terminates the transfer.
func (t *Transfer[H]) HandleError(e *tftpwire.Err) error {
	t.state = Terminated
	return pxeerr.New(pxeerr.StopTftpConnection, "client aborted: %d %s", e.Code, e.Msg)
}

// Retransmit is called when RetryTimeout elapses with no ACK. It returns
// the packet to resend, or a StopTftpConnection error once MaxRetries is
// exhausted.
func (t *Transfer[H]) Retransmit() ([]byte, error) {
	if t.state == Terminated {
		return nil, pxeerr.New(pxeerr.Ignore, "retransmit on terminated transfer")
	}
	t.retries++
	if t.retries > MaxRetries {
		t.state = Terminated
		return nil, pxeerr.Stop(tftpwire.BuildErr(tftpwire.ErrNotDefined, "retry limit exceeded"))
	}
	return t.lastSent, nil
}

// Done reports whether the transfer has reached its Terminated state.
func (t *Transfer[H]) Done() bool {
	return t.state == Terminated
}

// StateValue returns the transfer's current state, mainly for logging/tests.
func (t *Transfer[H]) StateValue() State {
	return t.state
}
