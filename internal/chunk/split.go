package chunk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Splitter materialises one window of a source file on disk.
type Splitter interface {
	Split(ctx context.Context, srcPath string, w Window, whole bool) (string, error)
}

// Prober reports the duration of an audio file.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// CheckFFmpeg reports whether ffmpeg and ffprobe are in PATH.
func CheckFFmpeg() bool {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return false
	}
	_, err := exec.LookPath("ffprobe")
	return err == nil
}

// FFmpegSplitter cuts windows with a stream copy (no re-encode).
// Output files are named after the window bounds under OutDir and are
// reused if they already exist, so a resumed run does not redo the work.
type FFmpegSplitter struct {
	OutDir string
}

// Split returns srcPath unchanged when whole is true (single-window plan).
func (s FFmpegSplitter) Split(ctx context.Context, srcPath string, w Window, whole bool) (string, error) {
	if whole {
		return srcPath, nil
	}
	outDir := s.OutDir
	if outDir == "" {
		outDir = filepath.Dir(srcPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", outDir, err)
	}
	out := filepath.Join(outDir, ChunkFileName(srcPath, w))
	if st, err := os.Stat(out); err == nil && st.Size() > 0 {
		return out, nil
	}

	tmp := out + ".part" + filepath.Ext(srcPath)
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-loglevel", "error",
		"-ss", formatSeconds(w.Start),
		"-t", formatSeconds(w.Duration),
		"-i", srcPath,
		"-c", "copy",
		tmp,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("ffmpeg split chunk %d: %w: %s", w.Index, err, strings.TrimSpace(stderr.String()))
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename chunk %d: %w", w.Index, err)
	}
	return out, nil
}

// ChunkFileName is the on-disk name for window w of srcPath. The bounds
// are part of the name so windows from different plans never collide.
func ChunkFileName(srcPath string, w Window) string {
	ext := filepath.Ext(srcPath)
	base := strings.TrimSuffix(filepath.Base(srcPath), ext)
	return fmt.Sprintf("%s_chunk%03d_%d-%d%s", base, w.Index, w.Start.Milliseconds(), w.End().Milliseconds(), ext)
}

// FFprobe reads the container duration with ffprobe.
type FFprobe struct{}

func (FFprobe) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return ParseSeconds(string(out))
}

// ParseSeconds converts a decimal seconds string ("125.431") to a Duration.
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
