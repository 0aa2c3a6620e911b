// Package crypto wraps streaming OpenPGP encryption and decryption
// around the two ends of the archive pipeline, modeled on
// original_source/src/crypto/openpgp.rs's certificate lookup and
// encryptor/decryptor builders, reimplemented against
// github.com/ProtonMail/go-crypto/openpgp since that original used
// sequoia-openpgp, a Rust-only library with no Go equivalent.
package crypto

import (
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/cryophile/cryophile/internal/cryoerr"
)

// LoadKeyring reads an armored OpenPGP keyring (public certs for
// encryption, or a secret keyring for decryption) from path.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open keyring %s: %v", cryoerr.ErrCrypto, path, err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parse keyring %s: %v", cryoerr.ErrCrypto, path, err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: keyring %s contains no keys", cryoerr.ErrCrypto, path)
	}
	return entities, nil
}

// ReadPassphraseFD reads a single line (the passphrase, without its
// trailing newline) from an already-open file descriptor, the way
// --pass-fd is documented to work: the passphrase is handed to the
// process out of band and never touches argv or the environment.
func ReadPassphraseFD(fd int) ([]byte, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("pass-fd-%d", fd))
	if f == nil {
		return nil, fmt.Errorf("%w: invalid pass-fd %d", cryoerr.ErrCrypto, fd)
	}
	defer f.Close()

	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: read pass-fd %d: %v", cryoerr.ErrCrypto, fd, err)
		}
	}
	return line, nil
}

// NewEncryptor returns a streaming OpenPGP encryptor writing a SEIPD
// message to w for the given recipients. Close must be called to flush
// and finalize the message; it does not close w.
func NewEncryptor(w io.Writer, recipients openpgp.EntityList) (io.WriteCloser, error) {
	hints := &openpgp.FileHints{IsBinary: true}
	cfg := &packet.Config{
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionNone, // compression is our own pipeline stage
	}
	plaintext, err := openpgp.Encrypt(w, recipients, nil, hints, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: build encryptor: %v", cryoerr.ErrCrypto, err)
	}
	return plaintext, nil
}

// NewDecryptor opens the OpenPGP message read from r, unlocking the
// matching secret key in secretKeyring with passphrase (nil for an
// already-unencrypted key), and returns the plaintext stream.
func NewDecryptor(r io.Reader, secretKeyring openpgp.EntityList, passphrase []byte) (io.Reader, error) {
	promptFunc := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if symmetric {
			return nil, fmt.Errorf("%w: archive is symmetrically encrypted, expected public-key recipients", cryoerr.ErrCrypto)
		}
		if passphrase == nil {
			return nil, fmt.Errorf("%w: secret key requires a passphrase but none was supplied", cryoerr.ErrCrypto)
		}
		var lastErr error
		for _, k := range keys {
			if err := k.PrivateKey.Decrypt(passphrase); err != nil {
				lastErr = err
				continue
			}
			return passphrase, nil
		}
		if lastErr != nil {
			return nil, fmt.Errorf("%w: unlock secret key: %v", cryoerr.ErrCrypto, lastErr)
		}
		return nil, fmt.Errorf("%w: no matching secret key for any recipient", cryoerr.ErrCrypto)
	}

	md, err := openpgp.ReadMessage(r, secretKeyring, promptFunc, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open message: %v", cryoerr.ErrCrypto, err)
	}
	if !md.IsEncrypted {
		return nil, fmt.Errorf("%w: input is not an OpenPGP encrypted message", cryoerr.ErrCrypto)
	}
	return md.UnverifiedBody, nil
}
