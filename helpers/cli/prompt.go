// Package cli runs line oriented interactive tools.
// With terminal on stdin it uses go-prompt with completion,
// otherwise reads commands line by line, so scripts can pipe input.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

type ExecFunc = func(line string)
type CompleteFunc = func(d prompt.Document) []prompt.Suggest

func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

func MainLoop(tag string, exec ExecFunc, complete CompleteFunc) {
	if IsTerminal() {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	ReadLines(os.Stdin, exec)
}

// ReadLines calls exec for each non-empty trimmed line until EOF.
func ReadLines(r io.Reader, exec ExecFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
}
