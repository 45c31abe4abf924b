package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// DecodePCM starts ffmpeg to decode any audio file to mono samples at
// sampleRate in the given stream encoding: signed 16-bit little-endian for
// LINEAR16, 8-bit G.711 for MULAW and ALAW. The returned reader must be
// closed, which waits for ffmpeg to exit.
func DecodePCM(ctx context.Context, path, encoding string, sampleRate int) (io.ReadCloser, error) {
	format, codec, err := ffmpegFormat(encoding)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-i", path,
		"-f", format,
		"-acodec", codec,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &pcmReader{ReadCloser: out, cmd: cmd, stderr: &stderr}, nil
}

// ffmpegFormat maps a stream encoding to ffmpeg's raw output format and
// codec.
func ffmpegFormat(encoding string) (format, codec string, err error) {
	switch encoding {
	case "LINEAR16":
		return "s16le", "pcm_s16le", nil
	case "MULAW":
		return "mulaw", "pcm_mulaw", nil
	case "ALAW":
		return "alaw", "pcm_alaw", nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
}

type pcmReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (r *pcmReader) Close() error {
	r.ReadCloser.Close()
	if err := r.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(r.stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg decode: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg decode: %w", err)
	}
	return nil
}
