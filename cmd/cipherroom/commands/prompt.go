package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// readSecret prompts on stderr and reads one line without echo when stdin is
// a terminal.
func (c *cli) readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := c.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(prompt), ": "), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// passwordReauth answers user-interactive auth by prompting for the account
// password.
type passwordReauth struct {
	c    *cli
	user id.UserID
}

func (r passwordReauth) Reauthenticate(ctx context.Context) (domain.AuthData, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuthData{}, err
	}
	pw, err := r.c.readSecret("Account password for " + string(r.user) + ": ")
	if err != nil {
		return domain.AuthData{}, err
	}
	return domain.AuthData{Type: "m.login.password", User: string(r.user), Password: pw}, nil
}
