package exchange

import "errors"

// User-facing rejection outcomes of a reconciliation attempt. These are
// expected results, not faults, and map to stable error codes on the wire.
var (
	// ErrInvalidCredential indicates the credential is malformed or unknown.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential indicates the credential is past its validity window.
	ErrExpiredCredential = errors.New("expired credential")
	// ErrCardNotFound indicates a referenced card does not exist.
	ErrCardNotFound = errors.New("card not found")
	// ErrNotOwner indicates the caller does not own the card they presented.
	ErrNotOwner = errors.New("not card owner")
	// ErrSelfExchange indicates both sides of the exchange belong to one user.
	ErrSelfExchange = errors.New("self exchange")
	// ErrAlreadyCollected indicates a single-direction collect hit an existing
	// ledger entry. Bidirectional flows skip the direction instead.
	ErrAlreadyCollected = errors.New("card already collected")
)

// Code returns the stable wire code for a rejection, or an empty string when
// the error is not one of the expected reconciliation outcomes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrExpiredCredential):
		return "expired_credential"
	case errors.Is(err, ErrCardNotFound):
		return "card_not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrSelfExchange):
		return "self_exchange"
	case errors.Is(err, ErrAlreadyCollected):
		return "already_collected"
	default:
		return ""
	}
}
