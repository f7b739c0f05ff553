// Package transcode converts wav/mp3 voice clips to AMR-NB with a local
// ffmpeg binary. WeCom only accepts AMR for msgtype=voice.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrFFmpegMissing is returned when no ffmpeg binary is on PATH. Callers
// fall back to sending the clip as a plain file.
var ErrFFmpegMissing = errors.New("transcode: ffmpeg not found in PATH")

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Available reports whether ffmpeg can be found.
func Available() bool {
	_, err := lookPath("ffmpeg")
	return err == nil
}

// ToAMR converts src (wav or mp3) to an .amr file next to it and returns
// the new path. The caller owns both files.
func ToAMR(ctx context.Context, src string) (string, error) {
	bin, err := lookPath("ffmpeg")
	if err != nil {
		return "", ErrFFmpegMissing
	}
	dst := replaceExt(src, ".amr")

	// AMR-NB only supports 8 kHz mono.
	cmd := exec.CommandContext(ctx, bin,
		"-y", "-i", src,
		"-ar", "8000", "-ac", "1", "-c:a", "amr_nb",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("transcode: ffmpeg: %w: %s", err, tail(stderr.String(), 400))
	}
	return dst, nil
}

func replaceExt(path, ext string) string {
	if i := strings.LastIndex(path, "."); i > strings.LastIndexByte(path, '/') {
		return path[:i] + ext
	}
	return path + ext
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
