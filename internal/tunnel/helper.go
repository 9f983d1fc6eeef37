package tunnel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// downloadBase is the release location for the tunnel helper. A var so
// tests can point it at a local server.
var downloadBase = "https://github.com/cloudflare/cloudflared/releases/latest/download"

// HelperInfo describes where a helper binary was found.
type HelperInfo struct {
	Found  bool   `json:"found"`
	Path   string `json:"path,omitempty"`
	Source string `json:"source,omitempty"` // "bundled", "data", or "path"
}

// helperName returns the platform helper binary name.
func helperName() string {
	if runtime.GOOS == "windows" {
		return "cloudflared.exe"
	}
	return "cloudflared"
}

// CheckHelper reports where the helper binary would be found without
// downloading anything.
func (s *Supervisor) CheckHelper() HelperInfo {
	if s.helperPath != "" {
		return HelperInfo{Found: true, Path: s.helperPath, Source: "bundled"}
	}
	path, err := s.findHelper()
	if err != nil {
		return HelperInfo{}
	}
	source := "path"
	switch {
	case within(path, bundleDir()):
		source = "bundled"
	case within(path, filepath.Join(s.dataDir, "bin")):
		source = "data"
	}
	return HelperInfo{Found: true, Path: path, Source: source}
}

// findHelper locates the helper: bundled next to the executable, then
// the data dir's bin folder, then the system PATH.
func (s *Supervisor) findHelper() (string, error) {
	name := helperName()
	if dir := bundleDir(); dir != "" {
		if p := filepath.Join(dir, name); executableFile(p) {
			return p, nil
		}
	}
	if p := filepath.Join(s.dataDir, "bin", name); executableFile(p) {
		return p, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("tunnel helper %s not found", name)
}

// bundleDir is the directory of the running executable.
func bundleDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

func executableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel == filepath.Base(path)
}

// artifactName returns the release artifact for this platform. macOS
// ships a tarball, Windows a bare exe, Linux a bare binary.
func artifactName() (name string, tarball bool, err error) {
	arch := runtime.GOARCH
	switch arch {
	case "amd64", "arm64", "386", "arm":
	default:
		return "", false, fmt.Errorf("tunnel helper: unsupported arch %s", arch)
	}
	switch runtime.GOOS {
	case "linux":
		return "cloudflared-linux-" + arch, false, nil
	case "darwin":
		return "cloudflared-darwin-" + arch + ".tgz", true, nil
	case "windows":
		return "cloudflared-windows-" + arch + ".exe", false, nil
	default:
		return "", false, fmt.Errorf("tunnel helper: unsupported platform %s", runtime.GOOS)
	}
}

// DownloadHelper fetches the platform release into the data dir's bin
// folder, extracting and marking it executable, and returns its path.
func (s *Supervisor) DownloadHelper(ctx context.Context) (string, error) {
	artifact, tarball, err := artifactName()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadBase+"/"+artifact, nil)
	if err != nil {
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tunnel helper download: status %d", resp.StatusCode)
	}

	binDir := filepath.Join(s.dataDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	dest := filepath.Join(binDir, helperName())
	tmp := dest + ".download"

	var src io.Reader = resp.Body
	if tarball {
		src, err = tarEntry(resp.Body, "cloudflared")
		if err != nil {
			return "", fmt.Errorf("tunnel helper download: %w", err)
		}
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("tunnel helper download: %w", err)
	}
	return dest, nil
}

// tarEntry returns a reader positioned at the named file inside a
// gzipped tarball.
func tarEntry(r io.Reader, name string) (io.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, err
		}
		if filepath.Base(hdr.Name) == name && hdr.Typeflag == tar.TypeReg {
			return tr, nil
		}
	}
}
