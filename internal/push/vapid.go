package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/livechat/internal/logger"
)

// VAPIDKeys is the application server key pair for Web Push.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func (k *VAPIDKeys) complete() bool { return k != nil && k.PublicKey != "" && k.PrivateKey != "" }

const defaultVAPIDKeysPath = "config/vapid.json"

// EnsureVAPIDKeys resolves the key pair in order: VAPID_PUBLIC_KEY and
// VAPID_PRIVATE_KEY, the JSON file at path (VAPID_KEYS_FILE or
// config/vapid.json when empty), then a freshly generated pair written back
// to that file. A pair that cannot be saved is still returned.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	env := &VAPIDKeys{PublicKey: os.Getenv("VAPID_PUBLIC_KEY"), PrivateKey: os.Getenv("VAPID_PRIVATE_KEY")}
	if env.complete() {
		return env, nil
	}

	path = cmpOr(path, os.Getenv("VAPID_KEYS_FILE"), defaultVAPIDKeysPath)
	keys, err := readKeys(path)
	switch {
	case err == nil && keys.complete():
		return keys, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		logger.Warnf("push: vapid keys at %s unreadable, regenerating: %v", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.EnsureVAPIDKeys generate: %w", err)
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeKeys(path, keys); err != nil {
		logger.Errorf("push: save vapid keys to %s: %v (using generated keys)", path, err)
		return keys, nil
	}
	logger.Infof("push: vapid keys generated and saved to %s", path)
	return keys, nil
}

func cmpOr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func readKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keys := &VAPIDKeys{}
	if err := json.Unmarshal(data, keys); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return keys, nil
}

func writeKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	// the private key must not be world-readable
	return os.WriteFile(path, data, 0o600)
}
