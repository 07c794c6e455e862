package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the owner keystore passphrase, preferring an
// environment variable and falling back to an interactive prompt. The result
// is cached so repeated calls reuse the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that consults envVar before
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached passphrase, resolving it on first call. Whitespace
// only values are rejected so the keystore is never left unprotected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("owner keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("owner keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Enter owner keystore passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("owner keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
