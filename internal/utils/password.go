package utils

import (
	"math"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const specialChars = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?"

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// PasswordEntropy estimates strength in bits as len * log2(charset).
// Uppercase and symbols widen the charset more than their own class size
// to reward mixing.
func PasswordEntropy(password string) float64 {
	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}

	space := 0
	for _, present := range []bool{lower, upper, digit, special} {
		if present {
			space += 26
		}
	}
	if upper {
		space += 26
	}
	if special {
		space += 32
	}
	if space == 0 {
		return 0
	}
	return float64(len(password)) * math.Log2(float64(space))
}
