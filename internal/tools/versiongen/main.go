package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"pkt.systems/shellhost/internal/version"
)

const versionVar = "pkt.systems/shellhost/internal/version.buildVersion"

func main() {
	var outPath string
	var ldflags bool
	flag.StringVar(&outPath, "o", "", "write the version to this file instead of stdout")
	flag.BoolVar(&ldflags, "ldflags", false, "print a -X linker flag that pins the version")
	flag.Parse()

	ver := strings.TrimSpace(version.Current())
	if ver == "" {
		ver = "v0.0.0-unknown"
	}
	line := ver
	if ldflags {
		line = fmt.Sprintf("-X %s=%s", versionVar, ver)
	}

	if outPath == "" {
		fmt.Fprintln(os.Stdout, line)
		return
	}
	if err := writeVersionFile(outPath, line); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func writeVersionFile(path, line string) error {
	current, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(current)) == line {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read version file: %w", err)
	}
	if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return nil
}
