package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sunlightlinux/finitd/pkg/reload"
)

// Load reads every *.conf file directly under dir (no recursion, matching
// finit's flat /etc/finit.d layout) and returns the service definitions
// they declare, in file-then-line order. Files are processed in
// lexicographic filename order so a reload's diff (pkg/reload) is
// deterministic across runs.
//
// Grounded on sunlightlinux-slinit's pkg/config.Parse loop (scan lines, skip blank/
// comment, delegate each to a per-line parser, wrap failures in a
// positioned error) but reading a directory of stanza files instead of one
// per-service settings file, since finit's grammar puts one complete
// directive on each line rather than one setting per line.
func Load(dir string) ([]reload.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var defs []reload.Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		fileDefs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// LoadFile parses a single config file into service definitions.
func LoadFile(path string) ([]reload.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	var defs []reload.Definition
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest, ok := strings.Cut(line, " ")
		if !ok {
			return nil, &ParseError{FileName: path, Line: lineNum, Message: fmt.Sprintf("incomplete directive %q", line)}
		}
		kind, ok := StanzaKind(keyword)
		if !ok {
			return nil, &ParseError{FileName: path, Line: lineNum, Message: fmt.Sprintf("unknown stanza %q", keyword)}
		}

		id, attrs, err := ParseDirective(kind, rest)
		if err != nil {
			return nil, &ParseError{FileName: path, Line: lineNum, Message: err.Error()}
		}

		defs = append(defs, reload.Definition{ID: id, Kind: kind, Attrs: attrs})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return defs, nil
}
