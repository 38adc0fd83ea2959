package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".onkyo_history"
	historySize     = 500
)

// lineEditor reads shell lines with history when stdin is a terminal and
// falls back to a plain scanner when it is a pipe.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
}

func newLineEditor() *lineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &lineEditor{scanner: bufio.NewScanner(os.Stdin)}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            filepath.Join(home, historyFileName),
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "onkyo: readline unavailable (%v), using basic input\n", err)
		return &lineEditor{scanner: bufio.NewScanner(os.Stdin)}
	}
	return &lineEditor{rl: rl}
}

// line returns the next line, or io.EOF at end of input or on Ctrl-C.
func (le *lineEditor) line(prompt string) (string, error) {
	if le.rl == nil {
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) interactive() bool { return le.rl != nil }

func (le *lineEditor) close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
