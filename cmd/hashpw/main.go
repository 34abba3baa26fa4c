// Command hashpw prints a bcrypt hash for a BASIC endpoint user list, or
// the hex SHA-256 digest used for seeded TOKEN and APIKEY secrets.
//
// Usage:
//
//	hashpw [-cost 10] [-sha256] < secret
//	hashpw [-cost 10] [-sha256] secret
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/dynapi/pkg/catalog"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	digest := flag.Bool("sha256", false, "print the SHA-256 secret digest instead of a bcrypt hash")
	flag.Parse()

	if err := run(flag.Args(), *cost, *digest); err != nil {
		fmt.Fprintln(os.Stderr, "hashpw:", err)
		os.Exit(1)
	}
}

func run(args []string, cost int, digest bool) error {
	secret, err := readSecret(args)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("empty secret")
	}

	if digest {
		fmt.Println(catalog.HashSecret(secret))
		return nil
	}

	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("hashing: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

// readSecret takes the secret from the first argument or, without one,
// from the first line of stdin so it stays out of shell history.
func readSecret(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
