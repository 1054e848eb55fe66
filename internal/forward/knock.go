package forward

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/postalsys/oxy/internal/protocol"
)

// ParseKnock decodes the hex knock payload of the knock metacommand.
// Colons and spaces between bytes are ignored.
func ParseKnock(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid knock data: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty knock data")
	}
	return b, nil
}

// Knock asks the peer to send knock as a UDP datagram to dest.
func Knock(ctx context.Context, s Opener, dest string, knock []byte) error {
	ex, err := s.Open(ctx, &protocol.KnockForward{Destination: dest, Knock: knock})
	if err != nil {
		return err
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		return err
	}
	if _, ok := m.(*protocol.Success); !ok {
		return fmt.Errorf("unexpected %s", protocol.TypeName(m.Type()))
	}
	return nil
}
