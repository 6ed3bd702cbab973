// Package artifacts decides where screenshots are written and optionally
// publishes them to S3-compatible object storage.
package artifacts

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/browser-inspector/internal/obs"
)

// DefaultScreenshotDir is used when neither the caller nor SCREENSHOT_PATH
// names a directory.
const DefaultScreenshotDir = "/tmp/mcp-screenshots"

const captureTimeLayout = "2006-01-02T15:04:05.000Z"

// Local is a screenshot directory on the local filesystem.
type Local struct {
	Dir string
	Log *slog.Logger
}

// ResolveDir picks the first non-empty directory among the explicit
// argument, the configured directory and DefaultScreenshotDir.
func ResolveDir(explicit, configured string) string {
	for _, dir := range []string{explicit, configured} {
		if strings.TrimSpace(dir) != "" {
			return dir
		}
	}
	return DefaultScreenshotDir
}

// Prepare creates the directory. A failure is logged and otherwise ignored;
// the screenshot itself will report the problem if the directory is unusable.
func (l Local) Prepare() {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		l.logger().Warn("screenshot_dir_create_failed", "dir", l.Dir, "err", err)
	}
}

// CapturePath returns the file a capture taken at now is written to.
func (l Local) CapturePath(now time.Time) string {
	return filepath.Join(l.Dir, CaptureFileName(now))
}

// CaptureFileName is login_capture_<UTC timestamp>.png with every ':'
// replaced by '-' so the name is valid on every filesystem.
func CaptureFileName(now time.Time) string {
	stamp := strings.ReplaceAll(now.UTC().Format(captureTimeLayout), ":", "-")
	return "login_capture_" + stamp + ".png"
}

func (l Local) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return obs.Pkg("artifacts")
}
