// Package account defines the identities that take part in escrow
// transactions. An identity is the base58 encoding of an ed25519 public key,
// the same address format the settlement token uses.
package account

import (
	"errors"
	"fmt"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
)

// ErrInvalidIdentity is returned when a string is not a valid identity.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is an authenticated party: client, agent, treasury, owner or the
// escrow custody account itself.
type Identity string

// None is the zero identity, used for counterparties that are not paired yet.
const None Identity = ""

// Parse validates s as a base58 public key and returns it as an Identity.
func Parse(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	pk, err := solanago.PublicKeyFromBase58(s)
	if err != nil {
		return None, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return Identity(pk.String()), nil
}

// MustParse is like Parse but panics on invalid input. Intended for constants
// and tests.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Generate returns a fresh random identity. Used by the CLI to create dev
// accounts and by tests.
func Generate() Identity {
	return Identity(solanago.NewWallet().PublicKey().String())
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id == None }

func (id Identity) String() string { return string(id) }

// Short returns an abbreviated form suitable for logs and tables.
func (id Identity) Short() string {
	s := string(id)
	if len(s) <= 12 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}
