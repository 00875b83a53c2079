package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/timelapse"
)

const defaultTimeout = 30 * time.Second

// Config configures the external capture command. An empty Command
// selects the log-only capturer, useful for dry runs and tests.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// New builds the configured Capturer.
func New(cfg Config, log logx.Logger) Capturer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return &logCapturer{log: log}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Runner{cfg: cfg, log: log}
}

// Runner shells out to the capture command once per frame. Job context
// travels in LAPSE_* environment variables so any script can act on it.
type Runner struct {
	cfg Config
	log logx.Logger
}

func (r *Runner) Capture(ctx context.Context, rec *timelapse.Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"LAPSE_JOB_ID="+strconv.FormatInt(rec.ID, 10),
		"LAPSE_JOB_NAME="+rec.Name,
		"LAPSE_CAMERA="+rec.Camera,
		"LAPSE_DIR="+rec.Directory,
		"LAPSE_FRAME="+strconv.FormatInt(rec.Frames+1, 10),
	)

	started := time.Now()
	out, err := cmd.CombinedOutput()
	took := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("capture command timed out after %s", r.cfg.Timeout)
		}
		return fmt.Errorf("capture command: %w (%s)", err, outputTail(out))
	}

	r.log.Debug("frame captured",
		logx.Int64("job_id", rec.ID),
		logx.Int64("frame", rec.Frames+1),
		logx.Duration("took", took))
	return nil
}

// logCapturer records the tick and does nothing else.
type logCapturer struct {
	log logx.Logger
}

func (c *logCapturer) Capture(ctx context.Context, rec *timelapse.Record) error {
	_ = ctx
	c.log.Debug("capture tick (no command configured)",
		logx.Int64("job_id", rec.ID),
		logx.String("name", rec.Name),
		logx.Int64("frame", rec.Frames+1))
	return nil
}

func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "no output"
	}
	const max = 256
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return strings.ReplaceAll(s, "\n", " | ")
}
