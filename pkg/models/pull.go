package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bhardwajRahul/lemonade/pkg/events"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
)

const (
	// pullParallelism bounds concurrent file downloads within one pull.
	pullParallelism = 2
	// pullProgressInterval rate-limits progress events.
	pullProgressInterval = 100 * time.Millisecond
)

// hubFile is one entry of a hub repository tree listing.
type hubFile struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// hubFiles lists the files of a hub repository.
func (m *Manager) hubFiles(ctx context.Context, repo string) ([]hubFile, error) {
	url := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", m.HubURL, repo)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := m.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub listing for %s returned %s", repo, response.Status)
	}

	var listing []hubFile
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("invalid hub listing for %s: %w", repo, err)
	}
	files := listing[:0]
	for _, entry := range listing {
		if entry.Type == "file" {
			files = append(files, entry)
		}
	}
	return files, nil
}

// selectFiles filters a repository listing down to what the model needs:
// variant-matching weight shards plus configured auxiliary files. Models
// without a variant take the whole repository.
func selectFiles(info *ModelInfo, listing []hubFile) []hubFile {
	variant := strings.ToLower(info.Variant())
	if variant == "" {
		return listing
	}

	aux := make(map[string]bool)
	for _, name := range info.auxFiles() {
		aux[strings.ToLower(name)] = true
	}

	var selected []hubFile
	for _, file := range listing {
		name := strings.ToLower(file.Path)
		if aux[name] || strings.Contains(name, variant) {
			selected = append(selected, file)
		}
	}
	return selected
}

// Pull downloads a model's weights, emitting progress through emit. It
// honors the transfer's control state: cancel removes in-flight partial
// files, pause retains them so a resume can skip already-complete files.
func (m *Manager) Pull(ctx context.Context, info *ModelInfo, transfer *transfers.Transfer, emit func(events.Progress) error) error {
	listing, err := m.hubFiles(ctx, info.Repo())
	if err != nil {
		return err
	}
	files := selectFiles(info, listing)
	if len(files) == 0 {
		return fmt.Errorf("checkpoint %s has no files matching variant %q", info.Checkpoint, info.Variant())
	}

	dir := m.Dir(info)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create model directory: %w", err)
	}

	var total int64
	for _, file := range files {
		total += file.Size
	}
	var received atomic.Int64
	var lastEmit atomic.Int64
	report := func(final bool) error {
		now := time.Now().UnixNano()
		if !final {
			last := lastEmit.Load()
			if now-last < int64(pullProgressInterval) || !lastEmit.CompareAndSwap(last, now) {
				return nil
			}
		}
		current := received.Load()
		transfer.Progress(current, total)
		if emit == nil {
			return nil
		}
		return emit(events.NewProgress(info.Name, current, total))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pullParallelism)
	for _, file := range files {
		file := file
		group.Go(func() error {
			target := filepath.Join(dir, filepath.FromSlash(file.Path))
			if stat, err := os.Stat(target); err == nil && stat.Size() == file.Size {
				// Already complete (earlier pull or paused transfer).
				received.Add(file.Size)
				return report(false)
			}
			return m.downloadHubFile(groupCtx, info.Repo(), file, target, func(n int64) error {
				received.Add(n)
				return report(false)
			})
		})
	}
	err = group.Wait()

	if abortErr := transfer.Err(); abortErr != nil {
		var aborted interface{ Paused() bool }
		if errors.As(abortErr, &aborted) && !aborted.Paused() {
			m.removePartials(dir)
		}
		return abortErr
	}
	if err != nil {
		return err
	}
	return report(true)
}

// downloadHubFile streams one repository file to target via a .partial
// sibling.
func (m *Manager) downloadHubFile(ctx context.Context, repo string, file hubFile, target string, count func(int64) error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", m.HubURL, repo, file.Path)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := m.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned %s", file.Path, response.Status)
	}

	partial := target + ".partial"
	output, err := os.Create(partial)
	if err != nil {
		return err
	}

	buffer := make([]byte, 256*1024)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := output.Write(buffer[:n]); writeErr != nil {
				output.Close()
				return writeErr
			}
			if err := count(int64(n)); err != nil {
				output.Close()
				return err
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
	return os.Rename(partial, target)
}

// removePartials deletes in-flight partial files after a cancel.
func (m *Manager) removePartials(dir string) {
	filepath.Walk(dir, func(path string, stat os.FileInfo, err error) error {
		if err == nil && !stat.IsDir() && strings.HasSuffix(path, ".partial") {
			if removeErr := os.Remove(path); removeErr != nil {
				m.log.Warnf("Unable to remove partial file %s: %v", path, removeErr)
			}
		}
		return nil
	})
}
