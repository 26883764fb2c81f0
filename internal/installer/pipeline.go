package installer

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"acme/internal/platform"
	"acme/pkg/logging"
)

// cleanAllowlist is the hard-coded set of roots under which the
// pipeline may destructively clean a non-empty directory.
var cleanAllowlist = []string{
	"/private/tmp",
	"/tmp",
	"/var/folders",
	"/usr/local/amazon/var",
}

// EmitFunc forwards installer outcome events to the sink.
type EmitFunc func(kind string, payload map[string]interface{})

// Config describes the pipeline's directories and behavior.
type Config struct {
	// StagingRoot holds per-identifier download/extract dirs.
	StagingRoot string
	// LoadRoot holds per-identifier installed package content.
	LoadRoot string
	// SigningAuthorityPath is the PEM cert verifying release signatures.
	SigningAuthorityPath string
	// AgentIdentifier is the primary agent's own component id. The
	// pipeline refuses to replace it unless the watcher is running.
	AgentIdentifier string
	// CodeSignVerify enables the platform code-signature check.
	CodeSignVerify bool
	// DownloadTimeout bounds a single artifact download.
	DownloadTimeout time.Duration
}

// Pipeline applies installer targets delivered by the configuration
// pull.
type Pipeline struct {
	cfg    Config
	pm     platform.PackageManager
	signer *x509.Certificate
	http   *retryablehttp.Client
	emit   EmitFunc
}

// New builds a pipeline. The signing authority certificate is loaded
// eagerly so a misconfigured path fails at startup, not mid-install.
func New(cfg Config, pm platform.PackageManager, emit EmitFunc) (*Pipeline, error) {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	signer, err := loadSigningAuthority(cfg.SigningAuthorityPath)
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: cleanhttp.DefaultPooledTransport(), Timeout: cfg.DownloadTimeout}
	rc.RetryMax = 3
	rc.Logger = downloadLogger{}

	return &Pipeline{cfg: cfg, pm: pm, signer: signer, http: rc, emit: emit}, nil
}

// Apply runs every target in priority order. A failing target never
// blocks the rest; each failure is reported as an installer event with
// its bitset code.
func (p *Pipeline) Apply(ctx context.Context, targets []Target) error {
	SortTargets(targets)

	var failed int
	for _, target := range targets {
		code, err := p.applyTarget(ctx, target)
		if err != nil {
			failed++
			logging.Error("Installer", err, "Install of %s %s failed (%s)",
				target.Identifier, target.Version, code)
			p.emitResult(target, code, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d installer targets failed", failed, len(targets))
	}
	return nil
}

func (p *Pipeline) emitResult(target Target, code ErrorCode, err error) {
	if p.emit == nil {
		return
	}
	payload := map[string]interface{}{
		"identifier": target.Identifier,
		"version":    target.Version,
		"code":       int(code),
		"code_name":  code.String(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.emit("UsherInstallResult", payload)
}

// applyTarget runs the install algorithm for one target. A zero code
// with a nil error means installed or legitimately skipped.
func (p *Pipeline) applyTarget(ctx context.Context, target Target) (ErrorCode, error) {
	installed, err := p.pm.InstalledVersion(ctx, target.Identifier)
	if err != nil {
		return CodeFetchConfigurationFailed, err
	}

	// a version on the bad list is never installed, even to move a
	// device off another bad version
	if target.IsBadVersion(target.Version) {
		if target.IsBadVersion(installed) {
			logging.Warn("Installer", "Skipping %s: installed %s and target %s are both bad versions",
				target.Identifier, installed, target.Version)
		} else {
			logging.Warn("Installer", "Skipping %s: target %s is a bad version",
				target.Identifier, target.Version)
		}
		return CodeSuccess, nil
	}
	if installed == target.Version {
		return CodeSuccess, nil
	}
	if !target.IsInstallableByAgent {
		logging.Debug("Installer", "Skipping %s: not installable by the agent", target.Identifier)
		return CodeSuccess, nil
	}
	// the primary must not replace itself when the watcher is absent;
	// the watcher restores the primary if the swap goes wrong
	if target.Identifier == p.cfg.AgentIdentifier && !p.pm.WatcherRunning(ctx) {
		logging.Warn("Installer", "Skipping self-update of %s: watcher is not running", target.Identifier)
		return CodeSuccess, nil
	}

	staging := filepath.Join(p.cfg.StagingRoot, target.Identifier)
	load := filepath.Join(p.cfg.LoadRoot, target.Identifier)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return CodeDownloadFailed, fmt.Errorf("failed to create staging dir: %w", err)
	}
	if err := os.MkdirAll(load, 0o755); err != nil {
		return CodeDownloadFailed, fmt.Errorf("failed to create load dir: %w", err)
	}
	if err := cleanDir(staging); err != nil {
		return CodeFailedToClean, err
	}
	// staging content is scratch on every exit path
	defer func() {
		if err := cleanDir(staging); err != nil {
			logging.Warn("Installer", "Failed to clean staging for %s: %v", target.Identifier, err)
		}
	}()

	archive := filepath.Join(staging, target.Identifier+".archive")
	signature := archive + ".sig"
	if err := p.download(ctx, target.DownloadURL, archive); err != nil {
		return CodeDownloadFailed, err
	}
	if err := p.download(ctx, target.SignatureURL, signature); err != nil {
		return CodeDownloadFailed, err
	}

	// both checks must pass before anything touches the load dir
	if err := verifyHash(archive, target.FileHash); err != nil {
		return CodeSignHashVerifyFailed, err
	}
	if err := verifySignature(p.signer, archive, signature); err != nil {
		return CodeSignHashVerifyFailed, err
	}

	extracted := filepath.Join(staging, "extracted")
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		return CodeZipExtractionFailed, err
	}
	if err := extractArchive(archive, extracted); err != nil {
		return CodeZipExtractionFailed, err
	}

	pkgPath, err := findPackage(extracted, p.pm.PackageExtension())
	if err != nil {
		return CodeZipExtractionFailed, err
	}
	if p.cfg.CodeSignVerify {
		if err := p.pm.VerifyCodeSignature(ctx, pkgPath); err != nil {
			return CodeCodeSignVerifyFailed, err
		}
	}

	if err := cleanDir(load); err != nil {
		return CodeFailedToClean, err
	}
	if err := copyTree(extracted, load); err != nil {
		return CodeInstallFailed, fmt.Errorf("failed to populate load dir: %w", err)
	}

	loadedPkg := filepath.Join(load, mustRel(extracted, pkgPath))
	if err := p.pm.Install(ctx, loadedPkg); err != nil {
		return CodeInstallFailed, err
	}

	logging.Info("Installer", "Installed %s %s (was %q)", target.Identifier, target.Version, installed)
	return CodeSuccess, nil
}

func (p *Pipeline) download(ctx context.Context, url, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("bad download URL %q: %w", url, err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned HTTP %d", url, resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("download of %s interrupted: %w", url, err)
	}
	return f.Close()
}

// cleanDir empties dir. Destructive cleanup of a non-empty directory is
// only allowed under the hard-coded allowlist.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if !cleanAllowed(dir) {
		return fmt.Errorf("refusing to clean non-empty %s: outside the allowlist", dir)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clean %s: %w", dir, err)
		}
	}
	return nil
}

func cleanAllowed(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, root := range cleanAllowlist {
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dest := filepath.Join(dst, mustRel(src, path))
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return filepath.Base(target)
	}
	return rel
}

type downloadLogger struct{}

func (downloadLogger) Printf(format string, args ...interface{}) {
	logging.Debug("Installer", format, args...)
}
