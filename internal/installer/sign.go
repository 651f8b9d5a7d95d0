package installer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// Signer signs a finished artifact in place. It returns the path of a
// detached signature when one was produced.
type Signer interface {
	Name() string
	Sign(ctx context.Context, artifact string, opts types.SigningOptions) (string, error)
}

// signerFor returns the signer for a platform's operating system
func signerFor(platform types.Platform, tools config.InstallerConfig, runner Runner) Signer {
	switch platform.OS() {
	case "windows":
		return &authenticodeSigner{tool: tools.OSSLSignCode, runner: runner}
	case "macos":
		return &codesignSigner{tool: tools.CodeSign, runner: runner}
	default:
		return &gpgSigner{tool: tools.GPG, runner: runner}
	}
}

// authenticodeSigner signs Windows executables and archives with osslsigncode
type authenticodeSigner struct {
	tool   string
	runner Runner
}

func (s *authenticodeSigner) Name() string { return "osslsigncode" }

func (s *authenticodeSigner) Sign(ctx context.Context, artifact string, opts types.SigningOptions) (string, error) {
	signed := artifact + ".signed"
	args := []string{"sign", "-pkcs12", opts.Certificate}
	if opts.Password != "" {
		args = append(args, "-pass", opts.Password)
	}
	args = append(args, "-n", filepath.Base(artifact), "-in", artifact, "-out", signed)
	if err := runTool(ctx, s.runner, filepath.Dir(artifact), s.tool, fault.KindSigning, "installer.sign", args...); err != nil {
		os.Remove(signed)
		return "", err
	}
	if err := os.Rename(signed, artifact); err != nil {
		os.Remove(signed)
		return "", fault.Wrapf(fault.KindSigning, "installer.sign", err, "failed to replace artifact with signed copy")
	}
	return "", nil
}

// codesignSigner signs macOS disk images and bundles
type codesignSigner struct {
	tool   string
	runner Runner
}

func (s *codesignSigner) Name() string { return "codesign" }

func (s *codesignSigner) Sign(ctx context.Context, artifact string, opts types.SigningOptions) (string, error) {
	identity := opts.Identity
	if identity == "" {
		identity = opts.Certificate
	}
	args := []string{"--force", "--timestamp", "--sign", identity}
	if opts.Identity != "" && opts.Certificate != "" {
		args = append(args, "--keychain", opts.Certificate)
	}
	args = append(args, artifact)
	return "", runTool(ctx, s.runner, filepath.Dir(artifact), s.tool, fault.KindSigning, "installer.sign", args...)
}

// gpgSigner writes an armored detached signature next to the artifact
type gpgSigner struct {
	tool   string
	runner Runner
}

func (s *gpgSigner) Name() string { return "gpg" }

func (s *gpgSigner) Sign(ctx context.Context, artifact string, opts types.SigningOptions) (string, error) {
	key := opts.Identity
	if key == "" {
		key = opts.Certificate
	}
	sig := artifact + ".asc"
	args := []string{"--batch", "--yes", "--local-user", key}
	if opts.Password != "" {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase", opts.Password)
	}
	args = append(args, "--armor", "--detach-sign", "--output", sig, artifact)
	if err := runTool(ctx, s.runner, filepath.Dir(artifact), s.tool, fault.KindSigning, "installer.sign", args...); err != nil {
		os.Remove(sig)
		return "", err
	}
	return sig, nil
}

// runTool runs an external tool and maps failures to kind with the tool's
// output attached
func runTool(ctx context.Context, runner Runner, dir, tool string, kind fault.Kind, op string, args ...string) error {
	if _, err := runner.LookPath(tool); err != nil {
		return fault.Wrapf(kind, op, err, "%s not found", tool)
	}
	out, err := runner.Run(ctx, dir, tool, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindCancelled, op, ctx.Err())
		}
		return fault.Wrapf(kind, op, err, "%s failed", tool).WithOutput(out)
	}
	return nil
}
