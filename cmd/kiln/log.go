package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"
)

const logHelp = `kiln log [-flags] <component>

Show a component's most recent per-action build log (local).

Example:
  % kiln log -op=compile lib/util
`

func showlog(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("log", flag.ExitOnError)
	op := fset.String("op", "compile", "operation whose log to display: compile or load")
	fset.Usage = usage(fset, logHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: log [-flags] <component>")
	}
	component := fset.Arg(0)

	sanitized := strings.ReplaceAll(component, "/", "_")
	match := filepath.Join(*rootDir, ".kiln-state", sanitized+"."+*op+".log")
	if _, err := os.Stat(match); err != nil {
		return xerrors.Errorf("no %s log for %s: %w", *op, component, err)
	}

	// Page only when talking to a terminal; piped output gets the raw file.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		f, err := os.Open(match)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	}

	shargs := []string{
		"/bin/sh",
		"-c",
		fmt.Sprintf("${PAGER:-less} %q", match),
	}
	cmd := exec.CommandContext(ctx, shargs[0], shargs[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
