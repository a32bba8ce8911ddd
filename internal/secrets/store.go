package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// handle-keyed per-host secret store (file, 0600) with AES-GCM obfuscation.
// The rest of the system holds only Handles; the decrypted Credential
// materializes here and nowhere else.

// Handle is an opaque reference to a stored credential.
type Handle string

// Credential is a decrypted secret value. Its String method redacts so a
// stray %v or log call cannot leak the real value.
type Credential string

func (Credential) String() string { return "[redacted]" }

// Reveal returns the raw value. Callers fetch, use and discard; the value
// is never persisted outside the store.
func (c Credential) Reveal() string { return string(c) }

// ErrSecretNotFound is returned by GetSecret for an unknown handle.
var ErrSecretNotFound = errors.New("secret not found")

// Store is the secret reference collaborator. Implementations are
// append-only: handles are never overwritten once written, even after the
// owning item disconnects.
type Store interface {
	CreateSecret(ctx context.Context, value, label string) (Handle, error)
	GetSecret(ctx context.Context, id Handle) (Credential, error)
}

type secretFile struct {
	Secrets map[string]secretEntry `json:"secrets"` // handle -> entry
}

type secretEntry struct {
	Label      string `json:"label,omitempty"`
	Ciphertext string `json:"ciphertext"` // base64
}

// FileStore keeps encrypted secrets in a single JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("secrets path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil { // restrict directory
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) CreateSecret(_ context.Context, value, label string) (Handle, error) {
	if value == "" {
		return "", fmt.Errorf("secret value required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := load(s.path)
	if err != nil {
		return "", err
	}
	if sf.Secrets == nil {
		sf.Secrets = map[string]secretEntry{}
	}
	ct, err := encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	sf.Secrets[id] = secretEntry{
		Label:      label,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	if err := save(s.path, sf); err != nil {
		return "", err
	}
	return Handle(id), nil
}

func (s *FileStore) GetSecret(_ context.Context, id Handle) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := load(s.path)
	if err != nil {
		return "", err
	}
	entry, ok := sf.Secrets[string(id)]
	if !ok {
		return "", ErrSecretNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return "", err
	}
	pt, err := decrypt(raw)
	if err != nil {
		return "", err
	}
	return Credential(pt), nil
}

func load(path string) (secretFile, error) {
	var sf secretFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return secretFile{}, nil
		}
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, err
	}
	return sf, nil
}

func save(path string, sf secretFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func masterKey() ([]byte, error) {
	user := os.Getenv("USER")
	base := fmt.Sprintf("perkledger-%s-%s", runtime.GOOS, user)
	hash := sha256.Sum256([]byte(base))
	return hash[:], nil
}

func encrypt(plain []byte) ([]byte, error) {
	key, err := masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(ciphertext []byte) ([]byte, error) {
	key, err := masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	body := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
