package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrUnsupportedCarrier = errors.New("phone number carrier not supported by provider")
)

type Carrier string

const (
	CarrierMTN    Carrier = "MTN"
	CarrierAirtel Carrier = "AIRTEL"
)

const countryCode = "250"

var nonDigits = regexp.MustCompile(`[^0-9]`)

var carrierPrefixes = map[string]Carrier{
	"78": CarrierMTN,
	"79": CarrierMTN,
	"72": CarrierAirtel,
	"73": CarrierAirtel,
}

// Phone is a normalised Rwandan mobile number.
type Phone struct {
	MSISDN  string  // 2507XXXXXXXX
	Local   string  // 07XXXXXXXX
	Carrier Carrier
}

// Tagged returns the carrier-tagged form, e.g. "AIRTEL:250721234567".
func (p Phone) Tagged() string {
	return string(p.Carrier) + ":" + p.MSISDN
}

// NormalizePhone accepts 07XXXXXXXX, 7XXXXXXXX, 2507XXXXXXXX and +2507XXXXXXXX
// and detects the carrier from the network prefix.
func NormalizePhone(raw string) (Phone, error) {
	digits := nonDigits.ReplaceAllString(raw, "")

	var subscriber string
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		subscriber = digits[3:]
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		subscriber = digits[1:]
	case len(digits) == 9:
		subscriber = digits
	default:
		return Phone{}, fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}

	carrier, ok := carrierPrefixes[subscriber[:2]]
	if !ok {
		return Phone{}, fmt.Errorf("%w: unknown network prefix in %q", ErrInvalidPhone, raw)
	}

	return Phone{
		MSISDN:  countryCode + subscriber,
		Local:   "0" + subscriber,
		Carrier: carrier,
	}, nil
}

// RequireCarrier normalises raw and rejects carriers outside allowed.
func RequireCarrier(raw string, allowed ...Carrier) (Phone, error) {
	p, err := NormalizePhone(raw)
	if err != nil {
		return Phone{}, err
	}
	for _, c := range allowed {
		if p.Carrier == c {
			return p, nil
		}
	}
	return Phone{}, fmt.Errorf("%w: %s", ErrUnsupportedCarrier, p.Carrier)
}
