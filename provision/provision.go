// Package provision issues a locally trusted certificate for a LAN address.
package provision

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrMissingOutput is returned by Provision when the provisioner did not
// produce the expected certificate or key file.
var ErrMissingOutput = errors.New("certificate files were not generated")

// Provisioner installs a trusted root and issues leaf certificates from it.
type Provisioner interface {
	// Install makes sure the root certificate exists and is trusted.
	Install(ctx context.Context) error
	// CARoot returns the directory the root certificate is stored in.
	CARoot(ctx context.Context) (string, error)
	// Issue writes CertFile(addr) and KeyFile(addr) into dir.
	Issue(ctx context.Context, addr, dir string) error
}

// Result describes the files created by Provision.
type Result struct {
	CertFile string
	KeyFile  string
	CARoot   string
}

// CertFile returns the name of the certificate file for addr.
func CertFile(addr string) string {
	return addr + ".pem"
}

// KeyFile returns the name of the private key file for addr.
func KeyFile(addr string) string {
	return addr + "-key.pem"
}

// Provision installs the root of p, asks for its location and issues a
// certificate for addr into dir. The file names in the result are relative to
// dir.
func Provision(ctx context.Context, p Provisioner, addr, dir string, log logrus.FieldLogger) (Result, error) {
	log.Printf("installing root certificate")
	err := p.Install(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "install root certificate")
	}

	root, err := p.CARoot(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "locate root certificate")
	}
	log.Printf("root certificate directory: %v", root)

	log.Printf("issuing certificate for %v", addr)
	err = p.Issue(ctx, addr, dir)
	if err != nil {
		return Result{}, errors.Wrapf(err, "issue certificate for %v", addr)
	}

	res := Result{
		CertFile: CertFile(addr),
		KeyFile:  KeyFile(addr),
		CARoot:   root,
	}

	for _, name := range []string{res.CertFile, res.KeyFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return Result{}, errors.Wrapf(ErrMissingOutput, "%v", name)
		}
	}

	log.WithFields(logrus.Fields{
		"cert": res.CertFile,
		"key":  res.KeyFile,
	}).Printf("certificate files generated")

	return res, nil
}
