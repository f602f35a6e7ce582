package cmd

import (
	"fmt"
	"io"
	"strings"
)

type IO struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

func Execute(args []string, io IO) error {
	if io.In == nil || io.Out == nil || io.ErrOut == nil {
		return fmt.Errorf("invalid IO")
	}

	if len(args) == 0 {
		printRootUsage(io.ErrOut)
		return fmt.Errorf("missing command")
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "run":
		return runRun(args[1:], io)
	case "config":
		return runConfig(args[1:], io)
	case "questions":
		return runQuestions(args[1:], io)
	case "help", "--help", "-h":
		printRootUsage(io.Out)
		return nil
	default:
		printRootUsage(io.ErrOut)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage(w io.Writer) {
	fmt.Fprintln(w, "siga-helpdesk: WhatsApp intake bot for the SIGA Mobile helpdesk")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  siga-helpdesk run [flags]")
	fmt.Fprintln(w, "  siga-helpdesk config <path|show|init|set|reset>")
	fmt.Fprintln(w, "  siga-helpdesk questions")
}
