package exchange

import (
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	StarterCash = int64(5_000)

	MaxEventMultiplier = 100.0
	MaxCooldownSeconds = int64(365 * 24 * 60 * 60)
	DayLayout          = "2006-01-02"

	minUsernameLen = 3
	maxUsernameLen = 24
	defaultNameLen = 12
)

// EffectivePrice is floor(basePrice * multiplier). Decimal arithmetic keeps
// products such as 0.29*100 exact before flooring.
func EffectivePrice(basePrice int64, ev MarketEvent) (int64, error) {
	m := ev.Multiplier()
	if m == 1 {
		return basePrice, nil
	}
	v := decimal.NewFromInt(basePrice).Mul(decimal.NewFromFloat(m)).Floor()
	if !v.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: price overflow", ErrInvalidQuantity)
	}
	return v.IntPart(), nil
}

// notional is price*qty, failing when it does not fit in int64.
func notional(price, qty int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(price), big.NewInt(qty))
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: order total overflow", ErrInvalidQuantity)
	}
	return v.Int64(), nil
}

// sum is a+b, failing when it does not fit in int64.
func sum(a, b int64) (int64, error) {
	v := new(big.Int).Add(big.NewInt(a), big.NewInt(b))
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: valuation overflow", ErrInvalidQuantity)
	}
	return v.Int64(), nil
}

func NormalizeSide(side string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(side))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", ErrInvalidSide
}

func NormalizeCategory(category string) (VoteCategory, error) {
	switch VoteCategory(strings.ToLower(strings.TrimSpace(category))) {
	case CategoryPopularity:
		return CategoryPopularity, nil
	case CategoryStrength, "strongest":
		return CategoryStrength, nil
	}
	return "", ErrInvalidCategory
}

// Slugify derives a character id from its display name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// DayKey is the UTC calendar day used to scope vote quotas.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

func VoteMarkerID(day, accountID, bucket string) string {
	return "v_" + day + "_" + accountID + "_" + bucket
}

func ValidateUsername(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if n := len([]rune(clean)); n < minUsernameLen || n > maxUsernameLen {
		return "", fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLen, maxUsernameLen)
	}
	return clean, nil
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return "trader"
	}
	if r := []rune(local); len(r) > defaultNameLen {
		local = string(r[:defaultNameLen])
	}
	return local
}

func validateCharacterInput(in CharacterInput) error {
	if strings.TrimSpace(in.Name) == "" || Slugify(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.BasePrice < 1 {
		return ErrInvalidPrice
	}
	switch in.Gender {
	case GenderMale, GenderFemale:
	default:
		return fmt.Errorf("%w: gender must be male or female", ErrInvalidInput)
	}
	return nil
}
