package routing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind tags a ConnID as belonging to a client tunnel, a peered gateway, or a
// resource-scoped connection.
type Kind byte

const (
	// Client identifies a connection to an end-user client.
	Client Kind = iota
	// Gateway identifies a connection to another gateway (reused connections
	// graft their pending allowed-IPs onto the resulting peer).
	Gateway
	// Resource identifies a connection scoped to a single resource.
	Resource
)

func (k Kind) String() string {
	switch k {
	case Client:
		return "client"
	case Gateway:
		return "gateway"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// ConnID is a tagged identifier distinguishing client, gateway, and
// resource-scoped connections.
type ConnID struct {
	Kind Kind
	ID   uuid.UUID
}

// NewClientID, NewGatewayID, and NewResourceID build a ConnID of the
// corresponding kind around an existing uuid (typically parsed off the
// wire from the portal).
func NewClientID(id uuid.UUID) ConnID   { return ConnID{Kind: Client, ID: id} }
func NewGatewayID(id uuid.UUID) ConnID  { return ConnID{Kind: Gateway, ID: id} }
func NewResourceID(id uuid.UUID) ConnID { return ConnID{Kind: Resource, ID: id} }

// String renders the wire representation, e.g. "client:3fa85f64-...".
func (c ConnID) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.ID)
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, parsing the
// "<kind>:<uuid>" wire format emitted by the portal.
func (c *ConnID) UnmarshalText(text []byte) error {
	s := string(text)
	kindStr, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("routing: malformed conn id %q", s)
	}

	var kind Kind
	switch kindStr {
	case "client":
		kind = Client
	case "gateway":
		kind = Gateway
	case "resource":
		kind = Resource
	default:
		return fmt.Errorf("routing: unknown conn id kind %q", kindStr)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("routing: parsing conn id %q: %w", s, err)
	}

	c.Kind = kind
	c.ID = id
	return nil
}

// GatewayID identifies a peered gateway in gateway_awaiting_connection.
type GatewayID = uuid.UUID
