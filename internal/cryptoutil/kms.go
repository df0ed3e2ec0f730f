package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// kmsAPI is the subset of the KMS client used here.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// keyCache fetches a KMS public key once and keeps it for the process lifetime.
type keyCache struct {
	client kmsAPI
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func newKeyCache(client *kms.Client, keyARN string) keyCache {
	c := keyCache{keyARN: keyARN}
	if client != nil {
		c.client = client
	}
	return c
}

func (c *keyCache) publicKey(ctx context.Context) (crypto.PublicKey, error) {
	c.mu.RLock()
	pub := c.pubKey
	c.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubKey != nil {
		return c.pubKey, nil
	}
	if c.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := c.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(c.keyARN)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", c.keyARN, out.KeyUsage)
	}
	pub, err = x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	c.pubKey = pub
	return pub, nil
}

// digestFor picks the hash that pairs with the key type. KMS is always asked
// to sign a precomputed digest so manifests larger than the 4 KiB RAW message
// limit still work.
func digestFor(pub crypto.PublicKey, message []byte) (kmstypes.SigningAlgorithmSpec, crypto.Hash, []byte, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			return kmstypes.SigningAlgorithmSpecEcdsaSha256, crypto.SHA256, d[:], nil
		case elliptic.P384():
			d := sha512.Sum384(message)
			return kmstypes.SigningAlgorithmSpecEcdsaSha384, crypto.SHA384, d[:], nil
		}
		return "", 0, nil, xerrors.Newf("unsupported ECDSA curve: %s", key.Curve.Params().Name)
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		return kmstypes.SigningAlgorithmSpecRsassaPssSha256, crypto.SHA256, d[:], nil
	default:
		return "", 0, nil, xerrors.Newf("unsupported public key type: %T", pub)
	}
}

// KMSSigner signs manifest documents with an asymmetric KMS key.
type KMSSigner struct {
	keys keyCache
}

func NewKMSSigner(client *kms.Client, keyARN string) *KMSSigner {
	return &KMSSigner{keys: newKeyCache(client, keyARN)}
}

// Sign returns an ASN.1 (ECDSA) or PSS (RSA) signature over data.
func (s *KMSSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	pub, err := s.keys.publicKey(ctx)
	if err != nil {
		return nil, err
	}
	alg, _, digest, err := digestFor(pub, data)
	if err != nil {
		return nil, err
	}
	out, err := s.keys.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keys.keyARN),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms sign")
	}
	return out.Signature, nil
}

// KMSVerifier checks signatures locally against the cached KMS public key.
type KMSVerifier struct {
	keys keyCache

	// AllowPKCS1v15 accepts RSA PKCS1v15 signatures when PSS fails.
	AllowPKCS1v15 bool
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	return &KMSVerifier{keys: newKeyCache(client, keyARN)}
}

// PublicKey returns the cached key, fetching it from KMS on first use.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	return v.keys.publicKey(ctx)
}

func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.keys.publicKey(ctx)
	if err != nil {
		return err
	}
	_, hash, digest, err := digestFor(pub, message)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ECDSA signature verification failed (hash %s, curve %s)", hash, key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		pssErr := rsa.VerifyPSS(key, hash, digest, signature, nil)
		if pssErr == nil {
			return nil
		}
		if !v.AllowPKCS1v15 {
			return xerrors.Newf("RSA-PSS verification failed (PKCS1v15 fallback disabled): %v", pssErr)
		}
		if err := rsa.VerifyPKCS1v15(key, hash, digest, signature); err != nil {
			return xerrors.Wrap(err, "RSA PKCS1v15 verification failed")
		}
		return nil
	}
	return xerrors.Newf("unsupported public key type: %T", pub)
}
