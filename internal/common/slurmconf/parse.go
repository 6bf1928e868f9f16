// Package slurmconf reads the cluster configuration file: Key=Value pairs, '#' comments, one or more pairs per
// line, with NodeName= and PartitionName= lines describing nodes and partitions.
package slurmconf

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// RawConfig is the untyped content of a configuration file.
type RawConfig struct {
	Globals    map[string]string
	Nodes      []map[string]string
	Partitions []map[string]string
}

const maxIncludeDepth = 8

// ParseFile parses the file at path, following Include directives relative to its directory.
func ParseFile(path string) (*RawConfig, error) {
	raw := newRawConfig()
	if err := raw.parseFile(path, 0); err != nil {
		return nil, err
	}
	return raw, nil
}

// Parse parses configuration text. Include directives are resolved relative to the working directory.
func Parse(r io.Reader) (*RawConfig, error) {
	raw := newRawConfig()
	if err := raw.parse(r, "<input>", ".", 0); err != nil {
		return nil, err
	}
	return raw, nil
}

func newRawConfig() *RawConfig {
	return &RawConfig{Globals: map[string]string{}}
}

func (raw *RawConfig) parseFile(path string, depth int) error {
	if depth > maxIncludeDepth {
		return errors.Errorf("include depth exceeded at %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return raw.parse(f, path, filepath.Dir(path), depth)
}

func (raw *RawConfig) parse(r io.Reader, name, dir string, depth int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	nodeDefaults := map[string]string{}
	partitionDefaults := map[string]string{}
	lineNo := 0
	var pending strings.Builder
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(line)
		line = strings.TrimSpace(pending.String())
		pending.Reset()
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "include ") {
			target := strings.TrimSpace(line[len("include "):])
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			if err := raw.parseFile(target, depth+1); err != nil {
				return errors.WithMessagef(err, "%s:%d", name, lineNo)
			}
			continue
		}
		pairs, err := splitPairs(line)
		if err != nil {
			return errors.WithMessagef(err, "%s:%d", name, lineNo)
		}
		first := pairs[0]
		switch strings.ToLower(first.key) {
		case "nodename":
			if first.value == defaultsName {
				mergeInto(nodeDefaults, pairs[1:])
				continue
			}
			raw.Nodes = append(raw.Nodes, withDefaults(nodeDefaults, pairs))
		case "partitionname":
			if first.value == defaultsName {
				mergeInto(partitionDefaults, pairs[1:])
				continue
			}
			raw.Partitions = append(raw.Partitions, withDefaults(partitionDefaults, pairs))
		default:
			for _, p := range pairs {
				raw.Globals[canonicalKey(p.key)] = p.value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}
	return nil
}

// defaultsName, spelled exactly, makes a NodeName or PartitionName line set defaults for the lines after
// it. Any other spelling, such as "default", names a real node or partition.
const defaultsName = "DEFAULT"

type pair struct {
	key   string
	value string
}

func stripComment(line string) string {
	inQuote := false
	for i, c := range line {
		switch c {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

// splitPairs splits "A=1 B="x y" C=z" into pairs. Whitespace around '=' is ignored.
func splitPairs(line string) ([]pair, error) {
	var pairs []pair
	i := 0
	n := len(line)
	skipSpace := func() {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
	}
	for {
		skipSpace()
		if i >= n {
			break
		}
		start := i
		for i < n && line[i] != '=' && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		key := line[start:i]
		skipSpace()
		if i >= n || line[i] != '=' {
			return nil, errors.Errorf("expected Key=Value, got %q", strings.TrimSpace(line[start:]))
		}
		i++
		skipSpace()
		var value string
		if i < n && line[i] == '"' {
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, errors.Errorf("unterminated quote after %s=", key)
			}
			value = line[i+1 : i+1+end]
			i += end + 2
		} else {
			start := i
			for i < n && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			value = line[start:i]
		}
		if key == "" {
			return nil, errors.New("empty key")
		}
		pairs = append(pairs, pair{key: key, value: value})
	}
	if len(pairs) == 0 {
		return nil, errors.New("no Key=Value pairs")
	}
	return pairs, nil
}

func mergeInto(dst map[string]string, pairs []pair) {
	for _, p := range pairs {
		dst[canonicalKey(p.key)] = p.value
	}
}

func withDefaults(defaults map[string]string, pairs []pair) map[string]string {
	m := make(map[string]string, len(defaults)+len(pairs))
	for k, v := range defaults {
		m[k] = v
	}
	mergeInto(m, pairs)
	return m
}

// canonicalKey lowercases keys; decoding matches struct fields case-insensitively.
func canonicalKey(key string) string {
	return strings.ToLower(key)
}
