package blueprint

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadMappingFile reads an errata mapping file. Each non-blank line is
// "source,target"; lines starting with # are comments.
func LoadMappingFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer func() { _ = f.Close() }()

	mapping := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		source, target, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("invalid mapping at %s:%d: %q", path, lineNo, line)
		}
		source = strings.TrimSpace(source)
		target = strings.TrimSpace(target)
		if source == "" || target == "" {
			return nil, fmt.Errorf("invalid mapping at %s:%d: %q", path, lineNo, line)
		}
		mapping[source] = target
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}

	return mapping, nil
}
