// Package totp provisions and validates RFC 6238 time-based one-time
// passwords. Protocol parameters are fixed: SHA1, 6 digits, 30 second steps,
// 160-bit secrets.
package totp

import (
	"bytes"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	Period     = 30
	Digits     = otp.DigitsSix
	SecretSize = 20
	// DefaultSkew is the number of adjacent steps accepted on either side
	// of the current one.
	DefaultSkew = 1
)

var Algorithm = otp.AlgorithmSHA1

// Provisioner generates shared secrets and checks codes against them.
type Provisioner struct {
	issuer string
	skew   uint
}

func NewProvisioner(issuer string, skew uint) *Provisioner {
	return &Provisioner{issuer: issuer, skew: skew}
}

// Key is a freshly generated secret and its otpauth:// provisioning URI.
type Key struct {
	Secret string
	URI    string
}

// Generate creates a random secret for account and encodes it as a key URI.
func (p *Provisioner) Generate(account string) (*Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      Digits,
		Algorithm:   Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return &Key{Secret: key.Secret(), URI: key.URL()}, nil
}

// URI rebuilds the provisioning URI for an existing secret.
func (p *Provisioner) URI(account, secret string) (string, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: account,
		Period:      Period,
		Secret:      raw,
		Digits:      Digits,
		Algorithm:   Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("build totp uri: %w", err)
	}
	return key.URL(), nil
}

func opts() totp.ValidateOpts {
	return totp.ValidateOpts{Period: Period, Digits: Digits, Algorithm: Algorithm}
}

// Step returns the time step containing t.
func Step(t time.Time) int64 {
	return t.Unix() / Period
}

// Validate checks code against secret at t, accepting the configured skew.
// Every candidate step is compared in constant time and all candidates are
// always evaluated. On success it returns the matched step.
func (p *Provisioner) Validate(code, secret string, t time.Time) (int64, bool) {
	if len(code) != Digits.Length() {
		return 0, false
	}
	var matched int64
	ok := 0
	skew := int64(p.skew)
	for off := -skew; off <= skew; off++ {
		at := t.Add(time.Duration(off*Period) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, at, opts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			matched = Step(at)
			ok = 1
		}
	}
	return matched, ok == 1
}

// GenerateCode returns the code for secret at t.
func GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, opts())
}

// IsCode reports whether s has the shape of a TOTP code.
func IsCode(s string) bool {
	if len(s) != Digits.Length() {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// QRCode renders a provisioning URI as a size×size PNG.
func QRCode(uri string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse key uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
