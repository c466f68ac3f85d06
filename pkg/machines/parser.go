package machines

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/LumiGuide/hydra/pkg/types"
)

// ParseFile parses a machines file per §6: each non-comment,
// non-blank line is
// `sshName sshKey systems maxJobs speedFactor supportedFeatures mandatoryFeatures publicHostKey`,
// comma-separated lists, "-" meaning empty, "#" prefixing a comment,
// and "@filename" including another file in place.
func ParseFile(path string) ([]*types.Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("machines: open %s: %w", path, err)
	}
	defer f.Close()
	return parseReader(f, filepath.Dir(path))
}

func parseReader(f *os.File, baseDir string) ([]*types.Machine, error) {
	var out []*types.Machine

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "@") {
			included, err := ParseFile(filepath.Join(baseDir, line[1:]))
			if err != nil {
				return nil, err
			}
			out = append(out, included...)
			continue
		}

		m, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("machines: %w", err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("machines: scan: %w", err)
	}
	return out, nil
}

func parseLine(line string) (*types.Machine, error) {
	fields := strings.Fields(line)
	if len(fields) != 8 {
		return nil, fmt.Errorf("expected 8 fields, got %d: %q", len(fields), line)
	}

	sshName, sshKey := fields[0], dash(fields[1])
	systems := commaList(fields[2])
	maxJobs, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("maxJobs %q: %w", fields[3], err)
	}
	speedFactor, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return nil, fmt.Errorf("speedFactor %q: %w", fields[4], err)
	}
	supported := commaList(fields[5])
	mandatory := commaList(fields[6])
	hostKey := dash(fields[7])

	m := types.NewMachine(sshName)
	m.SSHKey = sshKey
	m.MaxJobs = maxJobs
	m.SpeedFactor = speedFactor
	m.PublicHostKey = hostKey
	for _, sys := range systems {
		m.SystemTypes[sys] = struct{}{}
	}
	for _, feat := range supported {
		m.SupportedFeatures[feat] = struct{}{}
	}
	for _, feat := range mandatory {
		m.MandatoryFeatures[feat] = struct{}{}
	}
	return m, nil
}

func dash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func commaList(s string) []string {
	if s == "-" || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
