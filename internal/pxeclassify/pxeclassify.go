// Package pxeclassify implements the PXE client classifier (component B):
// deciding whether an inbound DHCP packet is a PXE request and extracting
// the client descriptor the reply builder needs. Grounded on rs_pxe's
// dhcp/parse.rs (pxe_discover).
package pxeclassify

import (
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/tinkerbell/rs-pxe/internal/pxeerr"
	"github.com/tinkerbell/rs-pxe/internal/pxeopt"
)

// FirmwareType distinguishes a plain PXE ROM client from one that has
// already chainloaded iPXE.
type FirmwareType int

const (
	Unknown FirmwareType = iota
	IPxe
)

func (f FirmwareType) String() string {
	if f == IPxe {
		return "IPxe"
	}
	return "Unknown"
}

// PxeClientInfo is the transient, per-packet descriptor produced by
// PxeDiscover and consumed by the reply builder. It is never retained past
// the handling of the inbound packet.
type PxeClientInfo struct {
	ClientArch              pxeopt.ClientArchType
	VendorID                *pxeopt.VendorClassIdentifier
	ClientUUID              pxeopt.PxeUuid
	MsgType                 dhcpv4.MessageType
	NetworkInterfaceVersion pxeopt.NetworkInterfaceVersion
	ClientIdentifier        pxeopt.ClientIdentifier
	TransactionID           uint32
	Secs                    uint16
	FirmwareType            FirmwareType
}

// PxeDiscover classifies an inbound, already envelope-parsed DHCPv4 packet.
// It returns an Ignore error for anything that isn't a BOOTREQUEST, and a
// MissingDhcpOption error if any of the required PXE options are absent.
func PxeDiscover(pkt *dhcpv4.DHCPv4, log logr.Logger) (*PxeClientInfo, error) {
	if pkt.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, pxeerr.New(pxeerr.Ignore, "not a dhcp request")
	}

	var (
		clientArch   *pxeopt.ClientArchType
		vendorID     *pxeopt.VendorClassIdentifier
		msgType      *dhcpv4.MessageType
		nicVersion   *pxeopt.NetworkInterfaceVersion
		clientUUID   *pxeopt.PxeUuid
		clientID     *pxeopt.ClientIdentifier
		firmwareType = Unknown
	)

	for code, data := range pkt.Options {
		opt, ok := pxeopt.Recognized(code)
		if !ok {
			log.V(1).Info("unhandled dhcp option", "code", code)
			continue
		}

		switch opt {
		case pxeopt.OptMessageType:
			if len(data) < 1 {
				return nil, pxeerr.New(pxeerr.Malformed, "invalid message type: empty option")
			}
			mt := dhcpv4.MessageType(data[0])
			msgType = &mt
		case pxeopt.OptClientSystemArchitecture:
			arch, err := pxeopt.DecodeClientArchType(data)
			if err != nil {
				return nil, pxeerr.New(pxeerr.Malformed, "%v", err)
			}
			clientArch = &arch
		case pxeopt.OptClientNetworkInterfaceIdentifier:
			nic, err := pxeopt.DecodeNetworkInterfaceVersion(data)
			if err != nil {
				return nil, pxeerr.New(pxeerr.Malformed, "invalid network interface version: %v", err)
			}
			nicVersion = &nic
		case pxeopt.OptClientUUID:
			id, err := pxeopt.DecodePxeUuid(data)
			if err != nil {
				return nil, pxeerr.New(pxeerr.Malformed, "%v", err)
			}
			clientUUID = &id
		case pxeopt.OptVendorClassIdentifier:
			v, _ := pxeopt.DecodeVendorClassIdentifier(data)
			vendorID = &v
		case pxeopt.OptClientIdentifier:
			id, err := pxeopt.DecodeClientIdentifier(data)
			if err != nil {
				return nil, pxeerr.New(pxeerr.Malformed, "invalid client identifier: %v", err)
			}
			clientID = &id
		case pxeopt.OptParameterRequestList, pxeopt.OptMaximumMessageSize:
			// Accepted, intentionally ignored.
		case pxeopt.OptUserClassInformation:
			// iPXE implements this option non-conformantly, but we need it
			// to detect iPXE clients.
			if utf8.Valid(data) {
				if string(data) == "iPXE" {
					firmwareType = IPxe
				} else {
					log.Info("unknown firmware type", "userClass", string(data))
				}
			} else {
				log.Info("UserClassInformation is not valid utf8")
			}
		}
	}

	// If the client identifier option is not present, synthesize one from
	// the packet's chaddr with hardware type Ethernet.
	if clientID == nil {
		clientID = &pxeopt.ClientIdentifier{
			HardwareType:    pxeopt.Ethernet,
			HardwareAddress: append([]byte(nil), pkt.ClientHWAddr...),
		}
	}

	if clientArch == nil {
		return nil, pxeerr.New(pxeerr.MissingDhcpOption, "Client Architecture")
	}
	if clientUUID == nil {
		return nil, pxeerr.New(pxeerr.MissingDhcpOption, "Client UUID")
	}
	if msgType == nil {
		return nil, pxeerr.New(pxeerr.MissingDhcpOption, "Message Type")
	}
	if nicVersion == nil {
		return nil, pxeerr.New(pxeerr.MissingDhcpOption, "Network Interface Version")
	}

	return &PxeClientInfo{
		ClientArch:              *clientArch,
		VendorID:                vendorID,
		ClientUUID:              *clientUUID,
		MsgType:                 *msgType,
		NetworkInterfaceVersion: *nicVersion,
		ClientIdentifier:        *clientID,
		TransactionID:           uint32(pkt.TransactionID),
		Secs:                    pkt.NumSeconds,
		FirmwareType:            firmwareType,
	}, nil
}
