// Package config parses the lsvmconf file: plain text, one KEY=VALUE
// per line, '#' full-line or trailing comments, whitespace tolerated
// around the '=' and at line edges.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"lsvmshim/internal/errs"
)

// Config holds the parsed lsvmconf values.
type Config struct {
	LogLevel       string
	EFIVendorDir   string
	BootDeviceLUKS string
	RootDeviceLUKS string
	BootDevice     string
	RootDevice     string
}

var requiredKeys = []string{"EFIVendorDir", "BootDeviceLUKS", "RootDeviceLUKS"}

// Parse reads an lsvmconf stream and validates that every required key
// is present. Missing any required key is a Config-kind error and
// aborts the boot.
func Parse(r io.Reader) (*Config, error) {
	values := map[string]string{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errs.New(errs.Config, "config.Parse", fmt.Errorf("line %d: missing '='", lineNo))
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return nil, errs.New(errs.Config, "config.Parse", fmt.Errorf("line %d: empty key", lineNo))
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.Io, "config.Parse", err)
	}

	for _, k := range requiredKeys {
		if _, ok := values[k]; !ok {
			return nil, errs.New(errs.Config, "config.Parse", fmt.Errorf("missing required key %q", k))
		}
	}

	return &Config{
		LogLevel:       values["LogLevel"],
		EFIVendorDir:   values["EFIVendorDir"],
		BootDeviceLUKS: values["BootDeviceLUKS"],
		RootDeviceLUKS: values["RootDeviceLUKS"],
		BootDevice:     values["BootDevice"],
		RootDevice:     values["RootDevice"],
	}, nil
}
