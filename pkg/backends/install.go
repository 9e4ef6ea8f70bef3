package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
	"github.com/bhardwajRahul/lemonade/pkg/paths"
)

// progressInterval rate-limits progress callbacks during downloads.
const progressInterval = 33 * time.Millisecond

// githubBaseURL is the release download host. Overridable in tests.
var githubBaseURL = "https://github.com"

// ProgressFunc receives monotonically non-decreasing byte counts. totalBytes
// is zero when the transport withholds the size. A final callback fires
// exactly once at completion.
type ProgressFunc func(bytesReceived, totalBytes int64)

// InstallFromGitHub downloads filename from release version of repo,
// extracts it into <cacheRoot>/bin/<recipe>/<backend>/<version>/, and on
// success removes sibling version directories. Extraction goes to a
// .partial sibling first, so an interrupted install never disturbs the
// previously installed version.
func InstallFromGitHub(
	ctx context.Context,
	httpClient *http.Client,
	spec *Spec,
	version, repo, filename, backend, cacheRoot string,
	progress ProgressFunc,
) error {
	backendDir := paths.BackendDir(cacheRoot, spec.Recipe, backend)
	if err := os.MkdirAll(backendDir, 0o755); err != nil {
		return fmt.Errorf("unable to create install directory: %w", err)
	}

	archivePath := filepath.Join(backendDir, filename+".download")
	defer os.Remove(archivePath)
	url := fmt.Sprintf("%s/%s/releases/download/%s/%s", githubBaseURL, repo, version, filename)
	if err := downloadFile(ctx, httpClient, url, archivePath, progress); err != nil {
		return fmt.Errorf("unable to download %s: %w", filename, err)
	}

	finalDir := paths.BinDir(cacheRoot, spec.Recipe, backend, version)
	partialDir := finalDir + ".partial"
	if err := os.RemoveAll(partialDir); err != nil {
		return fmt.Errorf("unable to clear stale partial directory: %w", err)
	}
	if err := extractArchive(archivePath, partialDir); err != nil {
		os.RemoveAll(partialDir)
		return fmt.Errorf("unable to extract %s: %w", filename, err)
	}

	// The extracted tree must contain the recipe executable, possibly under a
	// single top-level directory that we flatten away.
	if err := flattenSingleRoot(partialDir, spec.Executable()); err != nil {
		os.RemoveAll(partialDir)
		return err
	}
	exePath := filepath.Join(partialDir, spec.Executable())
	if _, err := os.Stat(exePath); err != nil {
		os.RemoveAll(partialDir)
		return fmt.Errorf("archive %s does not contain %s", filename, spec.Executable())
	}
	if err := os.Chmod(exePath, 0o755); err != nil {
		os.RemoveAll(partialDir)
		return fmt.Errorf("unable to mark %s executable: %w", spec.Executable(), err)
	}

	if err := os.RemoveAll(finalDir); err != nil {
		os.RemoveAll(partialDir)
		return fmt.Errorf("unable to replace existing install: %w", err)
	}
	if err := os.Rename(partialDir, finalDir); err != nil {
		os.RemoveAll(partialDir)
		return fmt.Errorf("unable to finalize install: %w", err)
	}

	pruneOtherVersions(backendDir, version)
	return nil
}

// downloadFile streams url to destination, reporting progress.
func downloadFile(ctx context.Context, httpClient *http.Client, url, destination string, progress ProgressFunc) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", response.Status, url)
	}

	output, err := os.Create(destination)
	if err != nil {
		return err
	}

	total := response.ContentLength
	if total < 0 {
		total = 0
	}
	var received int64
	lastReport := time.Time{}
	report := func() {
		if progress != nil {
			progress(received, total)
		}
	}

	buffer := make([]byte, 128*1024)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := output.Write(buffer[:n]); writeErr != nil {
				output.Close()
				return writeErr
			}
			received += int64(n)
			if now := time.Now(); now.Sub(lastReport) >= progressInterval && (total == 0 || received < total) {
				report()
				lastReport = now
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			output.Close()
			return readErr
		}
	}
	if err := output.Close(); err != nil {
		return err
	}

	if total > 0 && received != total {
		return fmt.Errorf("truncated download: received %d of %d bytes", received, total)
	}
	report()
	return nil
}

// pruneOtherVersions removes sibling version directories after a successful
// install. Failures are ignored: a leftover old version is harmless and the
// next install retries.
func pruneOtherVersions(backendDir, keep string) {
	entries, err := os.ReadDir(backendDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != keep {
			os.RemoveAll(filepath.Join(backendDir, entry.Name()))
		}
	}
}

// InstalledVersion reports the version directory present for a recipe and
// backend pair, requiring the spec executable to exist inside it. Multiple
// leftovers resolve to the newest version under version.Parse ordering; names
// without a leading digit (such as b6510 build tags) compare equal to each
// other, and among those the first in directory order is kept.
func InstalledVersion(cacheRoot string, spec *Spec, backend string) (string, bool) {
	entries, err := os.ReadDir(paths.BackendDir(cacheRoot, spec.Recipe, backend))
	if err != nil {
		return "", false
	}
	best := ""
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		exe := filepath.Join(paths.BinDir(cacheRoot, spec.Recipe, backend, name), spec.Executable())
		if _, err := os.Stat(exe); err != nil {
			continue
		}
		if best == "" || versionLess(best, name) {
			best = name
		}
	}
	return best, best != ""
}

// InstallParamsFor resolves the install parameters for a recipe, backend,
// and host.
func InstallParamsFor(spec *Spec, h *hostinfo.Host, backend, version string) (InstallParams, error) {
	if spec.InstallParams == nil {
		return InstallParams{}, fmt.Errorf("recipe %s uses a vendor installer", spec.Recipe)
	}
	return spec.InstallParams(h, backend, version)
}
