package analyzer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// RefIDToIPOrName translates the 32-bit reference ID of an NTP response.
// For stratum 0 and 1 the field is a 4-byte ASCII code (a kiss code or
// a reference clock name). For secondary servers (stratum 2..15) it is
// the parent's IPv4 address, or for IPv6 associations the first four
// bytes of the MD5 hash of the parent's address. Anything else is not
// translatable.
//
// Exactly one of ip and name is non-empty on success; both are empty
// when the field cannot be interpreted.
func RefIDToIPOrName(refID uint32, stratum, family int) (ip string, name string) {
	switch {
	case stratum >= 0 && stratum <= 1:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], refID)
		return "", strings.TrimRight(string(b[:]), "\x00")
	case stratum >= 2 && stratum <= 15:
		if family == 6 {
			return "", fmt.Sprintf("IPv6 MD5 hash: 0x%08x", refID)
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], refID)
		return net.IP(b[:]).String(), ""
	default:
		return "", ""
	}
}
