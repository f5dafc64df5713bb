// Package credential hashes and verifies passwords and manages password-reset tickets.
//
// New hashes use PBKDF2-SHA256 in the modular crypt format
// "$pbkdf2-sha256$<rounds>$<salt>$<checksum>". Verification also accepts
// scrypt ("$scrypt$ln=..,r=..,p=..$<salt>$<checksum>") and bcrypt hashes so
// accounts imported from older deployments keep working.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	pbkdf2Prefix = "$pbkdf2-sha256$"
	scryptPrefix = "$scrypt$"

	DefaultRounds   = 29000
	DefaultSaltSize = 16
	checksumSize    = 32
)

// Hasher produces and checks password credential strings.
type Hasher struct {
	Rounds   int
	SaltSize int
}

func NewHasher() *Hasher {
	return &Hasher{Rounds: DefaultRounds, SaltSize: DefaultSaltSize}
}

// ab64 is base64 with '.' in place of '+' and no padding.
func ab64Encode(b []byte) string {
	return strings.ReplaceAll(base64.RawStdEncoding.EncodeToString(b), "+", ".")
}

func ab64Decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.ReplaceAll(strings.TrimRight(s, "="), ".", "+"))
}

// Hash returns a salted PBKDF2-SHA256 credential string for password.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := pbkdf2.Key([]byte(password), salt, h.Rounds, checksumSize, sha256.New)
	return fmt.Sprintf("%s%d$%s$%s", pbkdf2Prefix, h.Rounds, ab64Encode(salt), ab64Encode(sum)), nil
}

// Verify checks password against stored. Unknown or malformed strings verify false.
func (h *Hasher) Verify(password, stored string) bool {
	switch {
	case strings.HasPrefix(stored, pbkdf2Prefix):
		return verifyPBKDF2(password, stored)
	case strings.HasPrefix(stored, scryptPrefix):
		return verifyScrypt(password, stored)
	case isBcrypt(stored):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	default:
		return false
	}
}

// NeedsRehash reports whether stored was produced by another algorithm or
// weaker parameters than h would use today.
func (h *Hasher) NeedsRehash(stored string) bool {
	if !strings.HasPrefix(stored, pbkdf2Prefix) {
		return true
	}
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return true
	}
	rounds, err := strconv.Atoi(parts[2])
	return err != nil || rounds < h.Rounds
}

func isBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

func verifyPBKDF2(password, stored string) bool {
	// "", "pbkdf2-sha256", rounds, salt, checksum
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return false
	}
	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds < 1 {
		return false
	}
	salt, err := ab64Decode(parts[3])
	if err != nil {
		return false
	}
	want, err := ab64Decode(parts[4])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, rounds, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func verifyScrypt(password, stored string) bool {
	// "", "scrypt", "ln=16,r=8,p=1", salt, checksum
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return false
	}
	var ln, r, p int
	if _, err := fmt.Sscanf(parts[2], "ln=%d,r=%d,p=%d", &ln, &r, &p); err != nil {
		return false
	}
	if ln < 1 || ln > 30 || r < 1 || p < 1 {
		return false
	}
	salt, err := ab64Decode(parts[3])
	if err != nil {
		return false
	}
	want, err := ab64Decode(parts[4])
	if err != nil || len(want) == 0 {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, 1<<ln, r, p, len(want))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
