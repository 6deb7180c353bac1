package rotation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/prospector/internal/account"
)

type scheduleFile struct {
	Days map[string]Segment `yaml:"days"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadSchedule reads a rotation table from YAML. Days the file leaves out keep
// their DefaultSchedule entry; an empty path or missing file yields the default.
//
//	days:
//	  monday: {region: NAM, min: 100, max: 500, label: NAM Mid-Market}
func LoadSchedule(path string) (Schedule, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSchedule, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultSchedule, nil
		}
		return Schedule{}, fmt.Errorf("read rotation schedule %q: %w", path, err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML rotation table.
func ParseSchedule(data []byte) (Schedule, error) {
	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Schedule{}, fmt.Errorf("parse rotation schedule: %w", err)
	}
	sched := DefaultSchedule
	for name, seg := range file.Days {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return Schedule{}, fmt.Errorf("rotation schedule: unknown weekday %q", name)
		}
		if err := validateSegment(seg); err != nil {
			return Schedule{}, fmt.Errorf("rotation schedule %s: %w", name, err)
		}
		sched[day] = seg
	}
	return sched, nil
}

func validateSegment(seg Segment) error {
	switch seg.Region {
	case "", account.RegionNAM, account.RegionEMEA, account.RegionAPAC:
	default:
		return fmt.Errorf("unknown region %q", seg.Region)
	}
	if seg.MinEmployees < 0 {
		return fmt.Errorf("min %d is negative", seg.MinEmployees)
	}
	if !seg.Unbounded() && seg.MaxEmployees <= seg.MinEmployees {
		return fmt.Errorf("max %d must exceed min %d", seg.MaxEmployees, seg.MinEmployees)
	}
	if strings.TrimSpace(seg.Label) == "" {
		return errors.New("label is required")
	}
	return nil
}
