package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec for each input line until end of input.
// Terminal gets interactive prompt with completion, otherwise stdin is read line by line.
func MainLoop(tag string, exec func(line string), complete prompt.Completer) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		// TODO OptionHistory from persist.root
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ScanLines(os.Stdin, exec)
}

// ScanLines skips empty lines.
func ScanLines(r io.Reader, exec func(line string)) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	return errors.Annotate(s.Err(), "cli read")
}

// Completer suggests words by prefix of the word before cursor.
func Completer(suggests []prompt.Suggest) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
