package beacon

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"quizsync-backend-go/internal/services"
)

// MaxBodyBytes caps the body the HTTP handler reads for one beacon.
const MaxBodyBytes = 1 << 20

// Payload is what a closing page sends. The token travels in the body because
// the browser beacon API cannot set headers.
type Payload struct {
	services.SessionBatch
	Token string `json:"token,omitempty"`
}

func Decode(r io.Reader) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode beacon: %w", err)
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.ContentSetID = strings.TrimSpace(p.ContentSetID)
	p.SessionID = strings.TrimSpace(p.SessionID)
	return p, nil
}
