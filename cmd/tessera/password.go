package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

const passwordEnv = "TESSERA_PASSWORD"

// readPassword returns $TESSERA_PASSWORD, or prompts without echo when stdin
// is a terminal, or reads one line from stdin.
func readPassword(prompt string) ([]byte, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return []byte(p), nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, errors.New("no password on stdin")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
