package mfa

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/dukerupert/warden/internal/store"
)

// Backup codes are ten characters from an alphabet without look-alikes,
// shown as two groups of five. A TOTP code is six digits, so the two formats
// never overlap.
const (
	backupAlphabet  = "abcdefghjkmnpqrstuvwxyz23456789"
	backupCodeLen   = 10
	backupGroupSize = 5
)

// GenerateBackupCodes returns n plaintext codes and their at-rest hashes.
func GenerateBackupCodes(n int) (codes, hashes []string, err error) {
	max := big.NewInt(int64(len(backupAlphabet)))
	seen := make(map[string]bool, n)
	for len(codes) < n {
		var b strings.Builder
		for i := 0; i < backupCodeLen; i++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, nil, fmt.Errorf("generate backup code: %w", err)
			}
			b.WriteByte(backupAlphabet[idx.Int64()])
		}
		raw := b.String()
		if seen[raw] {
			continue
		}
		seen[raw] = true
		codes = append(codes, raw[:backupGroupSize]+"-"+raw[backupGroupSize:])
		hashes = append(hashes, HashBackupCode(raw))
	}
	return codes, hashes, nil
}

// NormalizeBackupCode lowercases s and strips dashes and spaces. It reports
// false if the result is not shaped like a backup code.
func NormalizeBackupCode(s string) (string, bool) {
	s = strings.ToLower(s)
	s = strings.NewReplacer("-", "", " ", "").Replace(s)
	if len(s) != backupCodeLen {
		return "", false
	}
	for _, c := range s {
		if !strings.ContainsRune(backupAlphabet, c) {
			return "", false
		}
	}
	return s, true
}

// IsBackupCode reports whether s looks like a backup code rather than a TOTP code.
func IsBackupCode(s string) bool {
	_, ok := NormalizeBackupCode(s)
	return ok
}

// HashBackupCode hashes a normalized code.
func HashBackupCode(normalized string) string {
	return store.HashToken("backup:" + normalized)
}
