// Package pxeopt decodes the subset of DHCP options the PXE boot path
// cares about. The surrounding BOOTP/DHCP envelope (opcode, chaddr,
// transaction id, standard option framing) is parsed by
// github.com/insomniacslk/dhcp/dhcpv4; this package only hand-decodes the
// PXE-specific option payloads (93/94/97/61/60/77) directly from their raw
// bytes, because that library's own decoders are more permissive than the
// wire-format MUSTs this server enforces (see SPEC_FULL.md §4.A).
package pxeopt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// SubsetDhcpOption is the set of DHCP option codes this server recognizes on
// input. Anything else is skipped with a warning by the caller.
type SubsetDhcpOption uint8

const (
	OptMessageType                     SubsetDhcpOption = 53
	OptClientSystemArchitecture        SubsetDhcpOption = 93
	OptClientNetworkInterfaceIdentifier SubsetDhcpOption = 94
	OptClientUUID                      SubsetDhcpOption = 97
	OptVendorClassIdentifier           SubsetDhcpOption = 60
	OptClientIdentifier                SubsetDhcpOption = 61
	OptParameterRequestList            SubsetDhcpOption = 55
	OptMaximumMessageSize              SubsetDhcpOption = 57
	OptUserClassInformation            SubsetDhcpOption = 77
)

// Recognized reports whether code is one of the options this server parses
// or explicitly ignores (as opposed to silently skipping with a warning).
func Recognized(code uint8) (SubsetDhcpOption, bool) {
	switch SubsetDhcpOption(code) {
	case OptMessageType, OptClientSystemArchitecture, OptClientNetworkInterfaceIdentifier,
		OptClientUUID, OptVendorClassIdentifier, OptClientIdentifier,
		OptParameterRequestList, OptMaximumMessageSize, OptUserClassInformation:
		return SubsetDhcpOption(code), true
	default:
		return 0, false
	}
}

func dhcpv4Code(o SubsetDhcpOption) dhcpv4.OptionCode {
	return dhcpv4.GenericOptionCode(uint8(o))
}

// Get pulls the raw bytes for option o out of a parsed DHCPv4 packet.
func Get(pkt *dhcpv4.DHCPv4, o SubsetDhcpOption) []byte {
	return pkt.Options.Get(dhcpv4Code(o))
}

// ClientArchType is DHCP option 93 (RFC 4578), the client's system
// architecture as reported by the PXE ROM/UEFI firmware.
type ClientArchType uint16

const (
	X86Bios         ClientArchType = 0
	NECPC98         ClientArchType = 1
	EFIItanium      ClientArchType = 2
	DECAlpha        ClientArchType = 3
	ArcX86          ClientArchType = 4
	IntelLeanClient ClientArchType = 5
	X86Uefi         ClientArchType = 6 // EFI IA32
	EFIBC           ClientArchType = 7
	EFIXscale       ClientArchType = 8
	X64Uefi         ClientArchType = 9 // EFI x86-64
	EFIARM32        ClientArchType = 10
	EFIARM64        ClientArchType = 11
	ARMRPIBoot      ClientArchType = 41
)

func (c ClientArchType) String() string {
	switch c {
	case X86Bios:
		return "X86Bios"
	case NECPC98:
		return "NECPC98"
	case EFIItanium:
		return "EFIItanium"
	case DECAlpha:
		return "DECAlpha"
	case ArcX86:
		return "ArcX86"
	case IntelLeanClient:
		return "IntelLeanClient"
	case X86Uefi:
		return "X86Uefi"
	case EFIBC:
		return "EFIBC"
	case EFIXscale:
		return "EFIXscale"
	case X64Uefi:
		return "X64Uefi"
	case EFIARM32:
		return "EFIARM32"
	case EFIARM64:
		return "EFIARM64"
	case ARMRPIBoot:
		return "ARMRPIBoot"
	default:
		return fmt.Sprintf("ClientArchType(%d)", uint16(c))
	}
}

// known reports whether tag is one of the architecture codes this server
// recognizes. Anything else is Malformed, per spec.
func (c ClientArchType) known() bool {
	switch c {
	case X86Bios, NECPC98, EFIItanium, DECAlpha, ArcX86, IntelLeanClient,
		X86Uefi, EFIBC, EFIXscale, X64Uefi, EFIARM32, EFIARM64, ARMRPIBoot:
		return true
	default:
		return false
	}
}

// DecodeClientArchType decodes DHCP option 93: a big-endian 16-bit tag in a
// 2-byte payload. An unknown tag or wrong length is a wire-format violation.
func DecodeClientArchType(data []byte) (ClientArchType, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("client arch type: want 2 bytes, got %d", len(data))
	}
	tag := ClientArchType(binary.BigEndian.Uint16(data))
	if !tag.known() {
		return 0, fmt.Errorf("client arch type: unknown tag %d", uint16(tag))
	}
	return tag, nil
}

// HardwareType is the ARP hardware type used in DHCP option 61 (Client
// Identifier) when synthesized from chaddr.
type HardwareType uint8

// Ethernet is ARPHRD_ETHER.
const Ethernet HardwareType = 1

// NetworkInterfaceVersion is DHCP option 94 (RFC 4578): the UNDI/NII
// interface type and version the client's network stack implements.
type NetworkInterfaceVersion struct {
	Type  uint8
	Major uint8
	Minor uint8
}

// DecodeNetworkInterfaceVersion decodes DHCP option 94: exactly 3 bytes.
func DecodeNetworkInterfaceVersion(data []byte) (NetworkInterfaceVersion, error) {
	if len(data) != 3 {
		return NetworkInterfaceVersion{}, fmt.Errorf("network interface version: want 3 bytes, got %d", len(data))
	}
	return NetworkInterfaceVersion{Type: data[0], Major: data[1], Minor: data[2]}, nil
}

// PxeUuid is DHCP option 97 (RFC 4578): a type byte (0 = UUID) followed by a
// 16-byte UUID.
type PxeUuid struct {
	Type uint8
	UUID uuid.UUID
}

// DecodePxeUuid decodes DHCP option 97: exactly 17 bytes.
func DecodePxeUuid(data []byte) (PxeUuid, error) {
	if len(data) != 17 {
		return PxeUuid{}, fmt.Errorf("client uuid: want 17 bytes, got %d", len(data))
	}
	id, err := uuid.FromBytes(data[1:])
	if err != nil {
		return PxeUuid{}, fmt.Errorf("client uuid: %w", err)
	}
	return PxeUuid{Type: data[0], UUID: id}, nil
}

// ClientIdentifier is DHCP option 61: a hardware type byte followed by the
// hardware address.
type ClientIdentifier struct {
	HardwareType    HardwareType
	HardwareAddress []byte
}

// DecodeClientIdentifier decodes DHCP option 61.
func DecodeClientIdentifier(data []byte) (ClientIdentifier, error) {
	if len(data) < 1 {
		return ClientIdentifier{}, fmt.Errorf("client identifier: empty option")
	}
	addr := make([]byte, len(data)-1)
	copy(addr, data[1:])
	return ClientIdentifier{HardwareType: HardwareType(data[0]), HardwareAddress: addr}, nil
}

// VendorClassIdentifier is DHCP option 60: a vendor-defined ASCII string.
// PXE clients set "PXEClient:Arch:xxxxx:UNDI:yyyzzz".
type VendorClassIdentifier struct {
	Data string
}

// IsPXEClient reports whether the vendor class identifies a PXE client.
func (v VendorClassIdentifier) IsPXEClient() bool {
	return len(v.Data) >= len("PXEClient") && v.Data[:len("PXEClient")] == "PXEClient"
}

// DecodeVendorClassIdentifier decodes DHCP option 60 as raw ASCII.
func DecodeVendorClassIdentifier(data []byte) (VendorClassIdentifier, error) {
	return VendorClassIdentifier{Data: string(data)}, nil
}
