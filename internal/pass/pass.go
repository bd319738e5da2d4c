// Package pass encodes the compact payload shown as a QR code at the gate.
//
// A pass is "parchi:" followed by base64url JSON {v, e, t, h, ts, c}. The
// checksum c is the first 8 bytes of a keyed BLAKE3 hash over "e:t:h:ts".
package pass

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/zeebo/blake3"
)

const (
	Prefix  = "parchi:"
	Version = 1

	keyContext = "parchi 2026 gate pass checksum v1"
)

var (
	ErrMalformed          = errors.Wrap(domain.ErrInvalidInput, "malformed pass")
	ErrUnsupportedVersion = errors.Wrap(domain.ErrInvalidInput, "unsupported pass version")
	ErrExpired            = errors.Wrap(domain.ErrInvalidInput, "pass expired")
	ErrTampered           = errors.Wrap(domain.ErrInvalidInput, "pass checksum mismatch")
)

type payload struct {
	V  int    `json:"v"`
	E  uint64 `json:"e"`
	T  string `json:"t"`
	H  string `json:"h"`
	TS int64  `json:"ts"`
	C  string `json:"c"`
}

// Claims is the verified content of a pass.
type Claims struct {
	EventID  uint64
	TicketID uuid.UUID
	Holder   domain.Identity
	IssuedAt time.Time
}

type Issuer struct {
	key    [32]byte
	maxAge time.Duration
}

func NewIssuer(secret string, maxAge time.Duration) *Issuer {
	i := &Issuer{maxAge: maxAge}
	blake3.DeriveKey(keyContext, []byte(secret), i.key[:])
	return i
}

func (i *Issuer) checksum(eventID uint64, ticketID string, holder string, ts int64) string {
	hasher, err := blake3.NewKeyed(i.key[:])
	if err != nil {
		panic("pass: keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(strconv.FormatUint(eventID, 10) + ":" + ticketID + ":" + holder + ":" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(hasher.Sum(nil)[:8])
}

func (i *Issuer) Encode(ticket domain.Ticket, now time.Time) (string, error) {
	p := payload{
		V:  Version,
		E:  ticket.EventID,
		T:  ticket.ID.String(),
		H:  ticket.Holder.String(),
		TS: now.Unix(),
	}
	p.C = i.checksum(p.E, p.T, p.H, p.TS)

	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "marshal pass")
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

func (i *Issuer) Decode(raw string, now time.Time) (Claims, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(raw), Prefix)
	if !ok || encoded == "" {
		return Claims{}, ErrMalformed
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Claims{}, ErrMalformed
	}
	if p.V != Version {
		return Claims{}, ErrUnsupportedVersion
	}
	ticketID, err := uuid.Parse(p.T)
	if err != nil || p.H == "" {
		return Claims{}, ErrMalformed
	}

	issuedAt := time.Unix(p.TS, 0).UTC()
	if i.maxAge > 0 && now.Sub(issuedAt) > i.maxAge {
		return Claims{}, ErrExpired
	}
	if p.C != i.checksum(p.E, p.T, p.H, p.TS) {
		return Claims{}, ErrTampered
	}

	return Claims{
		EventID:  p.E,
		TicketID: ticketID,
		Holder:   domain.Identity(p.H),
		IssuedAt: issuedAt,
	}, nil
}
