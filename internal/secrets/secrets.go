// Package secrets stores credentials as individual age-encrypted files
// under a root-only directory. Plaintext values never touch disk; they
// exist in memory only while being encrypted or decrypted, and
// retrieved values come back in mlocked buffers the caller destroys.
package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/awnumar/memguard"

	"github.com/ceymail/ceymail-mc/internal/confedit"
	"github.com/ceymail/ceymail-mc/internal/validate"
)

const (
	// DefaultCredentialsDir holds the encrypted credential files.
	DefaultCredentialsDir = "/var/lib/ceymail-mc/credentials"

	// DefaultKeyPath is where the age identity lives, mode 0600.
	DefaultKeyPath = "/etc/ceymail-mc/credentials.key"

	credExt = ".age"
)

// ErrNotFound reports a credential that is not in the store.
var ErrNotFound = errors.New("credential not found")

// Store encrypts and decrypts credentials with a single age identity
// loaded once at open time.
type Store struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	dir       string
}

// Open loads the age identity at keyPath, generating and writing a new
// one (mode 0600) if the file does not exist, and ensures dir exists
// with mode 0700.
func Open(keyPath, dir string) (*Store, error) {
	identity, err := loadIdentity(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		identity, err = generateIdentity(keyPath)
	}
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create credentials dir: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat credentials dir: %w", err)
	}

	return &Store{
		identity:  identity,
		recipient: identity.Recipient(),
		dir:       dir,
	}, nil
}

// Store encrypts value and writes it to <dir>/<name>.age, replacing
// any previous value. The name must be a safe path component.
func (s *Store) Store(name string, value []byte) error {
	if err := validate.PathComponent(name); err != nil {
		return fmt.Errorf("credential name: %w", err)
	}
	if len(value) == 0 {
		return errors.New("empty credential value")
	}

	var encrypted bytes.Buffer
	w, err := age.Encrypt(&encrypted, s.recipient)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}

	if err := confedit.WriteFileAtomic(s.path(name), encrypted.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	log.Printf("secrets: stored credential %s", name)
	return nil
}

// Retrieve decrypts a credential into an mlocked buffer. The caller
// must Destroy the buffer when done with the plaintext.
func (s *Store) Retrieve(name string) (*memguard.LockedBuffer, error) {
	if err := validate.PathComponent(name); err != nil {
		return nil, fmt.Errorf("credential name: %w", err)
	}

	encrypted, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	r, err := age.Decrypt(bytes.NewReader(encrypted), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("decrypt %s: empty plaintext", name)
	}

	// NewBufferFromBytes wipes the heap copy.
	return memguard.NewBufferFromBytes(plaintext), nil
}

// Delete removes a credential. Deleting an absent credential is not an
// error.
func (s *Store) Delete(name string) error {
	if err := validate.PathComponent(name); err != nil {
		return fmt.Errorf("credential name: %w", err)
	}
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a credential is stored.
func (s *Store) Exists(name string) (bool, error) {
	if err := validate.PathComponent(name); err != nil {
		return false, fmt.Errorf("credential name: %w", err)
	}
	if _, err := os.Stat(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the stored credential names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, credExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, credExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+credExt)
}

func loadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity in %s: %w", path, err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("no age identity found in %s", path)
}

func generateIdentity(path string) (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	content := fmt.Sprintf(
		"# age identity key for ceymail-mc\n"+
			"# Public key: %s\n"+
			"# Generated: %s\n"+
			"# WARNING: Keep this file secret. Do NOT share or commit it.\n"+
			"%s\n",
		identity.Recipient(), time.Now().UTC().Format(time.RFC3339), identity,
	)

	if err := confedit.WriteFileAtomic(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	log.Printf("secrets: generated new age identity at %s", path)
	return identity, nil
}

// passwordUpper and friends are the generation pools. The special set
// matches what MySQL, Dovecot, and shell-quoted config files all accept.
const (
	passwordUpper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	passwordLower   = "abcdefghijklmnopqrstuvwxyz"
	passwordDigit   = "0123456789"
	passwordSpecial = "!@#$%^&*()-_=+[]{}|;:,.<>?"
)

// GeneratePassword returns a random password of at least length 4 with
// at least one character from each class, shuffled so class positions
// are unpredictable.
func GeneratePassword(length int) (string, error) {
	if length < 4 {
		length = 4
	}

	all := passwordUpper + passwordLower + passwordDigit + passwordSpecial
	password := make([]byte, 0, length)

	for _, pool := range []string{passwordUpper, passwordLower, passwordDigit, passwordSpecial} {
		c, err := randByte(pool)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}
	for len(password) < length {
		c, err := randByte(all)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}

	// Fisher-Yates with crypto randomness.
	for i := len(password) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		password[i], password[j] = password[j], password[i]
	}
	return string(password), nil
}

// GenerateDBPassword returns 32 hex characters (128 bits), the shape
// MySQL credentials use. Hex output also guarantees the value is safe
// inside a quoted SQL literal.
func GenerateDBPassword() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func randByte(pool string) (byte, error) {
	i, err := randInt(len(pool))
	if err != nil {
		return 0, err
	}
	return pool[i], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random int: %w", err)
	}
	return int(v.Int64()), nil
}
