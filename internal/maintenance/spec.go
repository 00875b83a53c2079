package maintenance

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// normalizeSpec turns a schedule string into a cron-library spec.
//
// Accepted forms:
//   - Cron (crontab.guru-style): "30 3 * * *", "@daily", "@every 6h"
//   - Interval duration: "24h", "2h30m"
//   - Interval HH:MM: "02:30" (every 2 hours 30 minutes)
func normalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	// Whitespace or a leading '@' means cron syntax.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		var h, min int
		fmt.Sscanf(m[1], "%d", &h)
		fmt.Sscanf(m[2], "%d", &min)
		if min > 59 {
			return "", fmt.Errorf("invalid interval %q: minutes out of range", raw)
		}
		d := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf(
			"invalid schedule %q (use cron like '30 3 * * *', HH:MM like '02:30', or duration like '24h')",
			raw,
		)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// ValidateSpec reports whether raw would be accepted by the cron runner.
// Config validation uses it to reject a bad schedule before it is
// committed, instead of discovering the problem at the next restart.
func ValidateSpec(raw string) error {
	spec, err := normalizeSpec(raw)
	if err != nil {
		return err
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return nil
}
