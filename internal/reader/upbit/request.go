package upbit

import (
	"fmt"

	"github.com/google/uuid"

	"marketrelay/internal/models"
)

// Format is the frame format requested from the exchange. The decoder only
// understands SIMPLE.
const Format = "SIMPLE"

type ticketField struct {
	Ticket string `json:"ticket"`
}

type typeField struct {
	Type           string   `json:"type"`
	Codes          []string `json:"codes"`
	IsOnlyRealtime bool     `json:"isOnlyRealtime"`
	IsOnlySnapshot bool     `json:"isOnlySnapshot"`
}

type formatField struct {
	Format string `json:"format"`
}

// RequestOptions tune the subscription.
type RequestOptions struct {
	IsOnlyRealtime bool
	IsOnlySnapshot bool
}

// BuildRequest encodes the subscription frame
// [{ticket}, {type, codes, isOnlyRealtime, isOnlySnapshot}, {format}]
// with a fresh ticket.
func BuildRequest(domain models.Domain, codes []string, opts RequestOptions) ([]byte, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("build request: unknown domain %s", domain)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("build request for %s: no codes", domain)
	}
	frame := []interface{}{
		ticketField{Ticket: uuid.NewString()},
		typeField{
			Type:           domain.String(),
			Codes:          codes,
			IsOnlyRealtime: opts.IsOnlyRealtime,
			IsOnlySnapshot: opts.IsOnlySnapshot,
		},
		formatField{Format: Format},
	}
	return json.Marshal(frame)
}
