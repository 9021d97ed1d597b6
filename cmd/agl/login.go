package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		email      string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the access token",
		Long: "Exchanges email and password for an access token and writes it, with the user id,\n" +
			"username and role, to an env file that agrilink.yaml loading picks up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath, email, envFile)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&email, "email", "", "account email (defaults to auth.email)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file to write credentials to")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath, email, envFile string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if email == "" {
		email = cfg.Auth.Email
	}
	if email == "" {
		return fmt.Errorf("login: --email is required (or set auth.email)")
	}

	password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	_, gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
	defer cancel()
	creds, err := gw.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	env, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("login: read %s: %w", envFile, err)
		}
		env = map[string]string{}
	}
	env["AGRILINK_TOKEN"] = creds.Token
	env["AGRILINK_USER_ID"] = creds.UserID
	env["AGRILINK_USERNAME"] = creds.Username
	env["AGRILINK_ROLE"] = creds.Role
	if err := godotenv.Write(env, envFile); err != nil {
		return fmt.Errorf("login: write %s: %w", envFile, err)
	}
	if err := os.Chmod(envFile, 0o600); err != nil {
		return fmt.Errorf("login: chmod %s: %w", envFile, err)
	}

	fmt.Fprintf(out, "Logged in as %s (%s)\n", creds.Username, creds.Role)
	if !creds.Expiry.IsZero() {
		fmt.Fprintf(out, "Token expires %s\n", creds.Expiry.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(out, "Credentials written to %s\n", envFile)
	return nil
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise, so the password can be piped in.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("login: read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("login: read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("login: empty password")
	}
	return password, nil
}
