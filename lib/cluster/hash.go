package cluster

import "strings"

// NumSlots is the number of hash slots the key space is divided into
const NumSlots = 16384

// crc16 lookup table for the XMODEM variant (polynomial 0x1021, init 0)
var crc16tab [256]uint16

func init() {
	for i := range crc16tab {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16tab[i] = crc
	}
}

func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^s[i]]
	}
	return crc
}

// Slot returns the hash slot of key. If the key contains a non empty hash
// tag ("{...}"), only the tag is hashed, so related keys can be forced into
// the same slot.
func Slot(key string) int {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		// "{}" is not a tag, the whole key is hashed
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}
	return int(crc16(key) % NumSlots)
}
