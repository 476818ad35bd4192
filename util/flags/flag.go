// Package flags wraps the flag package with required flags and a descriptive usage.
package flags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	requiredFlags = map[string]struct{}{}
	description   string
	extra         string
)

func updateUsage(usage string, required bool) string {
	if required {
		usage = strings.TrimSpace(usage)
		if usage != "" {
			usage = usage + ". "
		}
		usage = usage + "Required."
	}
	return usage
}

func Bool(name string, value bool, usage string, required bool) *bool {
	p := flag.Bool(name, value, updateUsage(usage, required))
	if required {
		requiredFlags[name] = struct{}{}
	}
	return p
}

func String(name string, value string, usage string, required bool) *string {
	p := flag.String(name, value, updateUsage(usage, required))
	if required {
		requiredFlags[name] = struct{}{}
	}
	return p
}

func WithDescription(s string) {
	description = s
}

func WithExtra(s string) {
	extra = s
}

func usage(w io.Writer) {
	if description != "" {
		fmt.Fprintf(w, "\n%s\n\n", description)
	}
	fmt.Fprintf(w, "Usage of %s:\n", os.Args[0])
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	if extra != "" {
		fmt.Fprintf(w, "\n%s\n", extra)
	}
}

// Names of required flags that are not set.
func missing() []string {
	m := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) {
		m[f.Name] = struct{}{}
	})
	var miss []string
	for name := range requiredFlags {
		if _, ok := m[name]; !ok {
			miss = append(miss, name)
		}
	}
	return miss
}

// Parse flags, exit with usage when a required flag is missing.
func Parse() {
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()
	for _, name := range missing() {
		fmt.Fprintf(os.Stderr, "Arg '%v' is required \n\n", name)
		flag.Usage()
		os.Exit(2)
	}
}
