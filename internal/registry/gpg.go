package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

// execCommandContext is swapped in tests to fake the gpg binary.
var execCommandContext = exec.CommandContext

// GPGVerifier checks detached package-manifest signatures by shelling out to
// the gpg binary: the registry's public key is imported into the keyring and
// the signature is verified against the serialised manifest.
type GPGVerifier struct{}

// NewGPGVerifier creates a verifier.
func NewGPGVerifier() *GPGVerifier {
	return &GPGVerifier{}
}

// Verify imports the public key at keyPath and verifies the armored detached
// signature over the manifest bytes. Any failure aborts the install before
// container actions, wrapped as SignatureVerificationError.
func (v *GPGVerifier) Verify(ctx context.Context, packageName string, manifest []byte, signature, keyPath string) error {
	if signature == "" {
		return &api.SignatureVerificationError{
			Package: packageName,
			Cause:   fmt.Errorf("package carries no signature"),
		}
	}

	if out, err := runGPG(ctx, "--import", keyPath); err != nil {
		return &api.SignatureVerificationError{
			Package: packageName,
			Cause:   fmt.Errorf("key import failed: %v (%s)", err, strings.TrimSpace(out)),
		}
	}

	dir, err := os.MkdirTemp("", "flotilla-gpg-")
	if err != nil {
		return &api.SignatureVerificationError{Package: packageName, Cause: err}
	}
	defer os.RemoveAll(dir)

	sigPath := dir + "/manifest.sig"
	manifestPath := dir + "/manifest.json"
	if err := os.WriteFile(sigPath, []byte(signature), 0o600); err != nil {
		return &api.SignatureVerificationError{Package: packageName, Cause: err}
	}
	if err := os.WriteFile(manifestPath, manifest, 0o600); err != nil {
		return &api.SignatureVerificationError{Package: packageName, Cause: err}
	}

	if out, err := runGPG(ctx, "--verify", sigPath, manifestPath); err != nil {
		return &api.SignatureVerificationError{
			Package: packageName,
			Cause:   fmt.Errorf("verification failed: %v (%s)", err, strings.TrimSpace(out)),
		}
	}

	logging.Debug("GPGVerifier", "Signature of %s verified against %s", packageName, keyPath)
	return nil
}

func runGPG(ctx context.Context, args ...string) (string, error) {
	cmd := execCommandContext(ctx, "gpg", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
