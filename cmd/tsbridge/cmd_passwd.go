package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tsbridge/internal/auth"
	"tsbridge/internal/config"
)

var passwdUser string

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Set the admin password",
	Long: `Prompts for a new admin password and stores its bcrypt hash in the configuration file.
When stdin is not a terminal the password is read from the first line of input.`,
	Args: cobra.NoArgs,
	RunE: runPasswd,
}

func init() {
	passwdCmd.Flags().StringVarP(&passwdUser, "user", "u", "", "also change the admin user name")
	rootCmd.AddCommand(passwdCmd)
}

func runPasswd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	password, err := readNewPassword(os.Stdin)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if passwdUser != "" {
		if err := cfg.SetAdminUser(passwdUser); err != nil {
			return err
		}
	}
	if err := cfg.SetAdminPasswordHash(hash); err != nil {
		return err
	}

	fmt.Printf("Password updated for %s\n", cfg.AdminUser())
	return nil
}

// readNewPassword prompts twice on a terminal, otherwise reads one line
func readNewPassword(in *os.File) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return readPasswordLine(in)
	}

	fmt.Fprint(os.Stderr, "New password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given")
	}
	return line, nil
}
