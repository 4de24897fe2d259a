package certauth

import "testing"

// TestCA returns a CA for use in testing.
func TestCA(t testing.TB) *CertificateAuthority {
	ca, err := NewCA()
	if err != nil {
		t.Fatal(err)
	}
	return ca
}

// TestLeaf issues a certificate for names from ca and saves it to certfile
// and keyfile.
func TestLeaf(t testing.TB, ca *CertificateAuthority, certfile, keyfile string, names ...string) {
	leaf, err := ca.NewCertificate(names[0], names)
	if err != nil {
		t.Fatal(err)
	}

	err = leaf.Save(certfile, keyfile)
	if err != nil {
		t.Fatal(err)
	}
}
