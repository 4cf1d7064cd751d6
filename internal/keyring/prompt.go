package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptSecret prompts the user to enter an agent secret securely (no echo)
func PromptSecret(variantID string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter secret for '%s': ", variantID)

	// Try to open /dev/tty directly for terminal input
	// Fall back to stdin if tty is not available
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	secretBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after input

	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	return string(secretBytes), nil
}
