package domain

import "github.com/cockroachdb/errors"

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNameTooLong            = errors.New("event name too long")
	ErrURITooLong             = errors.New("metadata uri too long")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidTier            = errors.New("invalid tier")
	ErrSoldOut                = errors.New("maximum tickets already minted")
	ErrEventExpired           = errors.New("event already took place")
	ErrAlreadyClaimed         = errors.New("ticket already claimed")
	ErrDuplicateTicket        = errors.New("ticket already exists for holder")
	ErrAlreadyInitialized     = errors.New("registry already initialized")
	ErrRegistryNotInitialized = errors.New("registry not initialized")
	ErrOverflow               = errors.New("arithmetic overflow")
	ErrEventNotFound          = errors.New("event not found")
	ErrInvalidTicket          = errors.New("ticket not found or does not belong to this event")
	ErrSerializationFailure   = errors.New("serialization failure")
)

type Category string

const (
	CategoryNone          Category = ""
	CategoryAuthorization Category = "authorization"
	CategoryValidation    Category = "validation"
	CategoryCapacity      Category = "capacity"
	CategoryTemporal      Category = "temporal"
	CategoryState         Category = "state"
	CategoryArithmetic    Category = "arithmetic"
	CategoryNotFound      Category = "not_found"
	CategoryTransient     Category = "transient"
	CategoryInternal      Category = "internal"
)

// Classify maps an error returned by an issuance operation to its category.
// Errors outside the domain taxonomy are CategoryInternal.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrUnauthorized):
		return CategoryAuthorization
	case errors.Is(err, ErrNameTooLong), errors.Is(err, ErrURITooLong),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidTier):
		return CategoryValidation
	case errors.Is(err, ErrSoldOut):
		return CategoryCapacity
	case errors.Is(err, ErrEventExpired):
		return CategoryTemporal
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrDuplicateTicket),
		errors.Is(err, ErrAlreadyInitialized), errors.Is(err, ErrRegistryNotInitialized):
		return CategoryState
	case errors.Is(err, ErrOverflow):
		return CategoryArithmetic
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrInvalidTicket):
		return CategoryNotFound
	case errors.Is(err, ErrSerializationFailure):
		return CategoryTransient
	default:
		return CategoryInternal
	}
}
