package transport

import (
	"fmt"
	"net"

	"github.com/mr-tron/base58"
)

// Address tokens are base58-encoded host:port strings. Peers exchange and
// persist tokens, never raw dial addresses, so the addressing scheme stays
// opaque outside this package.

func EncodeAddr(hostPort string) string {
	return base58.Encode([]byte(hostPort))
}

func DecodeAddr(token string) (string, error) {
	raw, err := base58.Decode(token)
	if err != nil {
		return "", fmt.Errorf("bad address token: %w", err)
	}
	hostPort := string(raw)
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		return "", fmt.Errorf("bad address token: %w", err)
	}
	return hostPort, nil
}
