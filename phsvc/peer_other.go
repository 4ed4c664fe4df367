//go:build !linux

package phsvc

import (
	"fmt"
	"net"

	"gomapimg/common"
)

func PeerFromConn(conn net.Conn) (Peer, error) {
	return Peer{}, fmt.Errorf("%w: peer credentials", common.ErrNotSupported)
}
