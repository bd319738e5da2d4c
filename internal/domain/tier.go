package domain

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Tier is the access tier of an event.
type Tier uint8

const (
	TierStandard Tier = iota
	TierVIP
	TierPremium
)

var tierNames = [...]string{
	TierStandard: "Standard",
	TierVIP:      "VIP",
	TierPremium:  "Premium",
}

func (t Tier) Valid() bool {
	return int(t) < len(tierNames)
}

func (t Tier) String() string {
	if !t.Valid() {
		return "Unknown"
	}
	return tierNames[t]
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Tier(i), nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidTier, "%q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrInvalidTier
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
