// Package identity loads and persists the long-lived self-signed
// certificate and trusted-peer list used by the optional secure
// transport variant. It is an external collaborator to the UDP core:
// nothing in internal/transport, internal/client, or internal/server
// imports this package.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	configDirName  = "filetransfer"
	configFileName = "filetransfer.toml"
)

// Identity holds one endpoint's long-lived DER-encoded self-signed
// certificate keypair.
type Identity struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Store is the on-disk representation: one identity plus the set of
// remote public keys this endpoint has chosen to trust.
type Store struct {
	Identity
	TrustedKeys [][]byte
}

// fileShape mirrors the TOML document's three keys: public_key,
// private_key, trusted_keys. All three are base64-encoded binary.
type fileShape struct {
	PublicKey   string   `toml:"public_key"`
	PrivateKey  string   `toml:"private_key"`
	TrustedKeys []string `toml:"trusted_keys"`
}

// ConfigDir resolves "<base>/filetransfer" where base is
// $XDG_CONFIG_HOME if set, otherwise "$HOME/.config".
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("identity: resolve home directory: %w", err)
		}
	}
	return filepath.Join(home, ".config", configDirName), nil
}

// Load reads the store from disk, generating a fresh self-signed
// identity and an empty trust list on first run.
func Load() (*Store, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, configFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := generate()
		if err != nil {
			return nil, fmt.Errorf("identity: generate self-signed identity: %w", err)
		}
		store := &Store{Identity: id}
		if err := save(dir, path, store); err != nil {
			return nil, err
		}
		return store, nil
	}

	var shape fileShape
	if _, err := toml.DecodeFile(path, &shape); err != nil {
		return nil, fmt.Errorf("identity: decode %s: %w", path, err)
	}

	pub, err := base64.StdEncoding.DecodeString(shape.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public_key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(shape.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private_key: %w", err)
	}
	trusted := make([][]byte, 0, len(shape.TrustedKeys))
	for _, enc := range shape.TrustedKeys {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("identity: decode trusted_keys entry: %w", err)
		}
		trusted = append(trusted, key)
	}

	return &Store{
		Identity:    Identity{PublicKey: pub, PrivateKey: priv},
		TrustedKeys: trusted,
	}, nil
}

// AddTrustedKey appends key to the trust list and persists the result.
func AddTrustedKey(key []byte) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, configFileName)

	store, err := Load()
	if err != nil {
		return err
	}
	store.TrustedKeys = append(store.TrustedKeys, key)
	return save(dir, path, store)
}

func save(dir, path string, store *Store) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create config dir: %w", err)
	}

	trusted := make([]string, len(store.TrustedKeys))
	for i, key := range store.TrustedKeys {
		trusted[i] = base64.StdEncoding.EncodeToString(key)
	}
	shape := fileShape{
		PublicKey:   base64.StdEncoding.EncodeToString(store.PublicKey),
		PrivateKey:  base64.StdEncoding.EncodeToString(store.PrivateKey),
		TrustedKeys: trusted,
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("identity: create %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(shape)
}

// generate produces a fresh long-lived self-signed ECDSA certificate,
// DER-encoded on both the certificate and private-key side.
func generate() (Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Identity{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return Identity{}, err
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PublicKey: der, PrivateKey: privDER}, nil
}
