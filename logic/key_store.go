package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"waxwing/dal"
	"waxwing/shared"
)

type IKeyStore interface {
	GetPrivKey(handle string) (*rsa.PrivateKey, error)
	MakeKeyPair() (pubKey, privKey string, err error)
}

type keyStore struct {
	cfg  *shared.Config
	repo dal.IRepo
}

func NewKeyStore(cfg *shared.Config, repo dal.IRepo) IKeyStore {
	return &keyStore{cfg, repo}
}

func (ks *keyStore) GetPrivKey(handle string) (*rsa.PrivateKey, error) {

	privKeyStr, err := ks.repo.GetPrivKey(handle)
	if err != nil {
		return nil, err
	}
	if privKeyStr == "" {
		return nil, fmt.Errorf("no private key stored for %s", handle)
	}

	block, _ := pem.Decode([]byte(privKeyStr))
	if block == nil {
		return nil, fmt.Errorf("stored private key of %s is not PEM", handle)
	}
	privKeyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		privKeyBytes, err = x509.DecryptPEMBlock(block, []byte(ks.cfg.Secrets.PrivKeyPass))
		if err != nil {
			return nil, err
		}
	}
	privkey, err := x509.ParsePKCS1PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}
	return privkey, nil
}

func (ks *keyStore) MakeKeyPair() (pubKey, privKey string, err error) {

	pubKey = ""
	privKey = ""
	err = nil

	// Generate RSA key
	var key *rsa.PrivateKey
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}
	// Extract public component.
	pub := key.Public()

	// Encode private key to PKCS#1, with password
	keyRaw := x509.MarshalPKCS1PrivateKey(key)
	encBlock, err := x509.EncryptPEMBlock(
		rand.Reader, "RSA PRIVATE KEY", keyRaw,
		[]byte(ks.cfg.Secrets.PrivKeyPass), x509.PEMCipherAES256)
	if err != nil {
		return
	}
	keyPEM := pem.EncodeToMemory(encBlock)

	// Encode public key to PKCS#1
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PUBLIC KEY",
			Bytes: x509.MarshalPKCS1PublicKey(pub.(*rsa.PublicKey)),
		},
	)

	pubKey = string(pubPEM)
	privKey = string(keyPEM)

	return
}
