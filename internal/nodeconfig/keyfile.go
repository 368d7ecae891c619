package nodeconfig

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"

	nimble "github.com/SirZayers/Nimble"
)

// KeyFile is the on-disk form of a witness key. The public key and
// witness id are informational; the private key is authoritative.
type KeyFile struct {
	Scheme     string `toml:"scheme"`
	PrivateKey string `toml:"private_key"`
	PublicKey  string `toml:"public_key"`
	WitnessID  string `toml:"witness_id"`
}

// NewKeyFile describes key.
func NewKeyFile(key nimble.PrivateKey) KeyFile {
	pub := key.Public()
	return KeyFile{
		Scheme:     key.Scheme(),
		PrivateKey: hex.EncodeToString(key.Bytes()),
		PublicKey:  hex.EncodeToString(pub.Bytes()),
		WitnessID:  nimble.NewMember(pub, "").ID.Hex(),
	}
}

// Key decodes the private key.
func (k KeyFile) Key() (nimble.PrivateKey, error) {
	raw, err := hex.DecodeString(k.PrivateKey)
	if err != nil {
		return nil, invalidf("private key: %v", err)
	}
	key, err := nimble.PrivateKeyFromBytes(k.Scheme, raw)
	if err != nil {
		return nil, invalidf("private key: %v", err)
	}
	return key, nil
}

// Member returns the genesis entry for this key at endpoint.
func (k KeyFile) Member(endpoint string) Member {
	return Member{PublicKey: k.PublicKey, Endpoint: endpoint}
}

// WriteKeyFile writes key to path, readable by the owner only.
func WriteKeyFile(path string, key nimble.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(NewKeyFile(key)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadKey reads a key file written by WriteKeyFile.
func LoadKey(path string) (nimble.PrivateKey, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var kf KeyFile
	if err := decode(data, &kf); err != nil {
		return nil, err
	}
	return kf.Key()
}
