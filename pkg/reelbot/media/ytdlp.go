package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// DefaultFormat prefers an mp4 video with m4a audio so the result plays
// inline on phones.
const DefaultFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"

// YTDLPConfig configures the yt-dlp runner.
type YTDLPConfig struct {
	Binary      string   `yaml:"binary"`
	CookiesFile string   `yaml:"cookies_file"`
	Format      string   `yaml:"format"`
	ExtraArgs   []string `yaml:"extra_args"`
	WorkDir     string   `yaml:"work_dir"`
}

// YTDLP implements Fetcher by running the yt-dlp executable.
type YTDLP struct {
	cfg    YTDLPConfig
	logger *slog.Logger
}

// NewYTDLP creates a yt-dlp runner. The binary defaults to "yt-dlp" on PATH.
func NewYTDLP(cfg YTDLPConfig, logger *slog.Logger) *YTDLP {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{cfg: cfg, logger: logger.With("component", "yt-dlp")}
}

// Available reports whether the binary can be found.
func (y *YTDLP) Available() bool {
	_, err := exec.LookPath(y.cfg.Binary)
	return err == nil
}

func (y *YTDLP) baseArgs() []string {
	var args []string
	if y.cfg.CookiesFile != "" {
		if _, err := os.Stat(y.cfg.CookiesFile); err == nil {
			args = append(args, "--cookies", y.cfg.CookiesFile)
		} else {
			y.logger.Debug("cookies file not found, continuing without", "path", y.cfg.CookiesFile)
		}
	}
	return append(args, y.cfg.ExtraArgs...)
}

// Probe implements Fetcher using --dump-single-json.
func (y *YTDLP) Probe(ctx context.Context, url string) (*Metadata, error) {
	args := append(y.baseArgs(), "--dump-single-json", "--no-playlist", url)
	out, err := y.run(ctx, args)
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("parsing yt-dlp metadata: %w", err)
	}
	return &meta, nil
}

// Fetch implements Fetcher. The output template is destPrefix.%(ext)s;
// the produced file is located by prefix afterwards.
func (y *YTDLP) Fetch(ctx context.Context, url, destPrefix string) (string, error) {
	args := append(y.baseArgs(),
		"-f", y.cfg.Format,
		"--output", destPrefix+".%(ext)s",
		"--no-playlist",
		url,
	)
	if _, err := y.run(ctx, args); err != nil {
		return "", err
	}

	path, ok, err := findByPrefix(destPrefix)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrArtifactMissing
	}
	return path, nil
}

func (y *YTDLP) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.cfg.Binary, args...)
	cmd.Dir = y.cfg.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	y.logger.Debug("running yt-dlp", "args", args)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("yt-dlp: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("yt-dlp exited with %d: %s", exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}
	return stdout.Bytes(), nil
}

// lastLine returns the last non-empty line, which carries yt-dlp's ERROR.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no output"
}
