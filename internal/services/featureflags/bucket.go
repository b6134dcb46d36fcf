package featureflags

import (
	"crypto/md5"
	"encoding/binary"
)

// Bucket maps an identity to 0..99 for key. Users hash as "key:userID",
// anonymous callers as key+ip. The first 32 bits of the MD5 digest are
// read big-endian, so existing assignments survive redeploys.
func Bucket(key, userID, ip string) int {
	var input string
	switch {
	case userID != "":
		input = key + ":" + userID
	case ip != "":
		input = key + ip
	default:
		return -1
	}
	sum := md5.Sum([]byte(input))
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}
