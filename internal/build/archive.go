package build

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/cochaviz/kforge/internal/catalog"
)

const (
	sizeMarkerSuffix = ".size"
	partialSuffix    = ".part"
	extractedMarker  = ".kforge-extracted"
)

// archiveComplete reports whether path was fully downloaded by an earlier run.
func archiveComplete(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	data, err := os.ReadFile(path + sizeMarkerSuffix)
	if err != nil {
		return false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	return err == nil && size == info.Size()
}

// fetch downloads url into dest, resuming a partial download when the server honours ranges.
func fetch(ctx context.Context, client *http.Client, url, dest string, onProgress func(done, total int64)) error {
	partial := dest + partialSuffix
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "kforge/1")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file is stale; start over on the next attempt.
		_ = os.Remove(partial)
		return fmt.Errorf("download %s: server rejected resume at byte %d", url, offset)
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return fmt.Errorf("download %s: server returned %d", url, resp.StatusCode)
	default:
		err := fmt.Errorf("download %s: server returned %d", url, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return catalog.Permanent(err)
		}
		return err
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return err
	}
	written, err := io.Copy(out, &progressReader{r: resp.Body, done: offset, total: total, report: onProgress})
	if err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	size := offset + written
	if total >= 0 && size != total {
		return fmt.Errorf("download %s: got %d of %d bytes", url, size, total)
	}
	if err := os.Rename(partial, dest); err != nil {
		return err
	}
	return os.WriteFile(dest+sizeMarkerSuffix, []byte(strconv.FormatInt(size, 10)+"\n"), 0o644)
}

type progressReader struct {
	r      io.Reader
	done   int64
	total  int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.report != nil && n > 0 {
		p.report(p.done, p.total)
	}
	return n, err
}

// extractionStamp identifies the archive a tree was extracted from.
func extractionStamp(archive string) (string, error) {
	info, err := os.Stat(archive)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %d\n", filepath.Base(archive), info.Size()), nil
}

// treeComplete reports whether tree carries the completion marker for stamp.
func treeComplete(tree, stamp string) bool {
	data, err := os.ReadFile(filepath.Join(tree, extractedMarker))
	return err == nil && string(data) == stamp
}

// untar extracts archive into dest, dropping the archive's top-level directory. The context is
// checked between entries.
func untar(ctx context.Context, archive string, format catalog.ArchiveFormat, dest string, onProgress func(done, total int64)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	counted := &progressReader{r: bufio.NewReaderSize(f, 1<<20), total: info.Size(), report: onProgress}
	var stream io.Reader
	switch format {
	case catalog.FormatTarXZ:
		xr, err := xz.NewReader(counted)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
		stream = xr
	case catalog.FormatTarGZ:
		gr, err := gzip.NewReader(counted)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gr.Close()
		stream = gr
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if err := extractEntry(tr, hdr, dest); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	if hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}
	name := stripTopLevel(hdr.Name)
	if name == "" {
		return nil
	}
	target, err := within(dest, name)
	if err != nil {
		return err
	}
	if err := noSymlinkParents(dest, name); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		// A link left by an earlier entry is replaced, not written through.
		if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm()|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("archive entry %q links outside the source tree", name)
		}
		if _, err := within(dest, filepath.Join(filepath.Dir(name), hdr.Linkname)); err != nil {
			return fmt.Errorf("archive entry %q links outside the source tree", name)
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		source, err := within(dest, stripTopLevel(hdr.Linkname))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(source, target)
	default:
		return nil
	}
}

// noSymlinkParents rejects names whose parent directories under dest are symlinks, so no entry is
// written through a link extracted earlier.
func noSymlinkParents(dest, name string) error {
	dir := dest
	parts := strings.Split(filepath.Dir(filepath.Clean(name)), string(filepath.Separator))
	for _, part := range parts {
		if part == "." || part == "" {
			continue
		}
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q is written through a symlink", name)
		}
	}
	return nil
}

func stripTopLevel(name string) string {
	name = strings.TrimPrefix(name, "./")
	_, rest, _ := strings.Cut(name, "/")
	return strings.TrimSuffix(rest, "/")
}

// within joins name onto dest and rejects paths that would escape it.
func within(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the source tree", name)
	}
	return target, nil
}
