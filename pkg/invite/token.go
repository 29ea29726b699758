// Package invite implements the fleet-invitation consent protocol. The
// cloud publishes an invite token in the device's user metadata; the
// device answers by merging an answer token under the same key into its
// own metadata and re-pushing it, which makes the protocol idempotent
// under repeated polling.
package invite

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MetaKey is the metadata key invites and answers live under.
const MetaKey = "fleet.update-proto.token"

// SpecVersion is the wire-format version tag every token carries.
const SpecVersion = "fleet-update-proto@v1"

// TokenType is a consent-protocol message type.
type TokenType string

const (
	// TypeInvite is a cloud-issued consent request.
	TypeInvite TokenType = "INVITE"
	// TypeAccept consents to the fleet update.
	TypeAccept TokenType = "ACCEPT"
	// TypeSkip declines this fleet update.
	TypeSkip TokenType = "SKIP"
	// TypeAskAgain defers the decision to a later time.
	TypeAskAgain TokenType = "ASKAGAIN"
	// TypeInProgress marks a fleet update underway.
	TypeInProgress TokenType = "INPROGRESS"
	// TypeCanceled marks a fleet update canceled.
	TypeCanceled TokenType = "CANCELED"
	// TypeDone marks a fleet update finished.
	TypeDone TokenType = "DONE"
	// TypeError marks a fleet update failed.
	TypeError TokenType = "ERROR"
)

// Token is one consent-protocol message, keyed by deployment identity.
// Tokens are plain immutable values: a parsed token never aliases the
// fetch buffer it came from, so it can safely cross goroutine
// boundaries.
type Token struct {
	Spec            string    `json:"#spec" validate:"required"`
	Type            TokenType `json:"type" validate:"required,oneof=INVITE ACCEPT SKIP ASKAGAIN INPROGRESS CANCELED DONE ERROR"`
	Deployment      string    `json:"deployment" validate:"required"`
	Release         string    `json:"release,omitempty"`
	VendorRelease   string    `json:"vendorRelease,omitempty"`
	EarliestUpdate  string    `json:"earliestUpdate,omitempty"`
	LatestUpdate    string    `json:"latestUpdate,omitempty"`
	Mandatory       bool      `json:"mandatory,omitempty"`
	PreferredUpdate string    `json:"preferredUpdate,omitempty"`
	AskAgainUpdate  string    `json:"askAgainUpdate,omitempty"`
}

var validate = validator.New()

// ParseToken decodes and validates a token from raw metadata bytes. The
// returned token is an independent copy of the input.
func ParseToken(raw json.RawMessage) (Token, error) {
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("parse invite token: %w", err)
	}
	if err := validate.Struct(tok); err != nil {
		return Token{}, fmt.Errorf("invalid invite token: %w", err)
	}
	if tok.Spec != SpecVersion {
		return Token{}, fmt.Errorf("unsupported token spec %q", tok.Spec)
	}
	return tok, nil
}

// IsAnswer reports whether the token answers an invite rather than
// being one.
func (t Token) IsAnswer() bool {
	return t.Type != TypeInvite
}
