package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pysugar/checkin-nexus/internal/util"
	"github.com/spf13/cobra"
)

const passwordEnv = "CHECKIN_LOGIN_PASSWORD"

var loginCmd = &cobra.Command{
	Use:   "login <provider> <username>",
	Short: "Log into a provider and print the acquired session",
	Long: `Log into a provider with the headless browser and print the session cookies
and identity token it obtained. Nothing is stored. The password is read from
` + passwordEnv + ` or, when unset, from the first line of stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().Bool("reveal", false, "print the full session as JSON instead of masked values")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	profile, ok := a.providers.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", args[0], strings.Join(a.providers.Names(), ", "))
	}
	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifacts, err := a.acquirer().Acquire(ctx, profile, args[1], password)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reveal, _ := cmd.Flags().GetBool("reveal"); reveal {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(artifacts)
	}
	fmt.Fprintf(out, "provider: %s\n", profile.Name)
	fmt.Fprintf(out, "identity: %s\n", util.Mask(artifacts.IdentityToken))
	for name, value := range util.MaskMap(artifacts.Cookies) {
		fmt.Fprintf(out, "cookie:   %s=%s\n", name, value)
	}
	return nil
}

func readPassword(in io.Reader) (string, error) {
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password is required (set %s or pipe it on stdin)", passwordEnv)
	}
	return line, nil
}
