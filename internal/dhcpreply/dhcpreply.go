// Package dhcpreply builds DHCPOFFER/DHCPACK replies for a classified PXE
// client (component C). Grounded on rs_pxe's dhcp/parse.rs reply-building
// logic and tinkerbell-dhcp's handler.go (NewReplyFromRequest, server
// identity/boot filename option wiring).
package dhcpreply

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/tinkerbell/rs-pxe/internal/pxeclassify"
)

// ServerConfig is the static, operator-supplied identity of this boot
// server: the address it answers from and the two file names it steers
// clients towards.
type ServerConfig struct {
	ServerIP     net.IP
	ServerMAC    net.HardwareAddr
	IpxeFilename string // served to a PXE ROM client, chainloads iPXE
	BootFilename string // served to an iPXE client, the kernel/initrd script
}

// bootFilename picks the filename to offer, following the same two-stage
// handoff as tinkerbell smee: a plain PXE ROM is offered iPXE, and a client
// already running iPXE (identified via UserClass) is offered the final
// boot artifact.
func bootFilename(cfg ServerConfig, info *pxeclassify.PxeClientInfo) string {
	if info.FirmwareType == pxeclassify.IPxe {
		return cfg.BootFilename
	}
	return cfg.IpxeFilename
}

// Build constructs the DHCP reply for a classified PXE request: a
// DHCPOFFER in response to a DHCPDISCOVER, a DHCPACK in response to a
// DHCPREQUEST. Any other message type is rejected with an error - this
// server doesn't participate in the rest of the DHCP lease protocol.
func Build(req *dhcpv4.DHCPv4, info *pxeclassify.PxeClientInfo, cfg ServerConfig) (*dhcpv4.DHCPv4, error) {
	var replyType dhcpv4.MessageType
	switch info.MsgType {
	case dhcpv4.MessageTypeDiscover:
		replyType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		replyType = dhcpv4.MessageTypeAck
	default:
		return nil, fmt.Errorf("dhcpreply: unsupported message type %s", info.MsgType)
	}

	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(replyType),
		dhcpv4.WithGeneric(dhcpv4.OptionServerIdentifier, cfg.ServerIP),
		dhcpv4.WithServerIP(cfg.ServerIP),
	)
	if err != nil {
		return nil, fmt.Errorf("dhcpreply: build reply: %w", err)
	}

	reply.BootFileName = bootFilename(cfg, info)
	reply.YourIPAddr = req.ClientIPAddr

	// Vendor-specific information (option 43): PXE Boot Server Discovery
	// Control set to "bypass, boot from the filename we just set", so the
	// firmware doesn't go looking for other boot servers.
	vendorOpts := dhcpv4.Options{
		6: {0x08},
	}
	reply.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionVendorSpecificInformation, vendorOpts.ToBytes()))
	reply.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClassIdentifier, []byte("PXEClient")))

	return reply, nil
}
