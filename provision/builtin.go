package provision

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fd0/lantls/certauth"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Names of the root certificate files, compatible with mkcert.
const (
	rootCertName = "rootCA.pem"
	rootKeyName  = "rootCA-key.pem"
)

// Builtin issues certificates from a CA managed in-process. It cannot add the
// root to the system trust stores, the user has to import it manually.
type Builtin struct {
	Dir string
	Log logrus.FieldLogger

	ca *certauth.CertificateAuthority
}

// DefaultCARoot returns $CAROOT, or a directory below the user's config dir.
func DefaultCARoot() (string, error) {
	if dir := os.Getenv("CAROOT"); dir != "" {
		return dir, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate config directory")
	}

	return filepath.Join(dir, "lantls"), nil
}

// Install loads the root CA from Dir or creates a new one.
func (b *Builtin) Install(ctx context.Context) error {
	certfile := filepath.Join(b.Dir, rootCertName)
	keyfile := filepath.Join(b.Dir, rootKeyName)

	ca, err := certauth.Load(certfile, keyfile)
	if errors.Is(err, os.ErrNotExist) {
		b.Log.Printf("generate new CA certificate in %v", b.Dir)

		ca, err = certauth.NewCA()
		if err != nil {
			return err
		}

		err = os.MkdirAll(b.Dir, 0700)
		if err != nil {
			return errors.Wrap(err, "create CA directory")
		}

		err = ca.Save(certfile, keyfile)
	}
	if err != nil {
		return errors.Wrap(err, "load CA")
	}

	b.ca = ca
	b.Log.Printf("CA loaded: %v", ca.Certificate.Subject)
	b.Log.Printf("import %v into your trust store to trust issued certificates", certfile)

	return nil
}

// CARoot returns Dir.
func (b *Builtin) CARoot(ctx context.Context) (string, error) {
	return filepath.Abs(b.Dir)
}

// Issue creates a certificate for addr and saves it to dir.
func (b *Builtin) Issue(ctx context.Context, addr, dir string) error {
	if b.ca == nil {
		return errors.New("CA not installed")
	}

	leaf, err := b.ca.NewCertificate(addr, []string{addr})
	if err != nil {
		return err
	}

	return leaf.Save(filepath.Join(dir, CertFile(addr)), filepath.Join(dir, KeyFile(addr)))
}
