package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/session"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage check-in accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account",
	Long: `Add an account. Give --username (the password is read from
` + passwordEnv + ` or stdin) for password accounts, or --cookies and --api-user
for accounts that reuse a session copied from the browser.`,
	Args: cobra.NoArgs,
	RunE: runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountList,
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Include an account in check-in cycles",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Exclude an account from check-in cycles",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Delete an account and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

var accountImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import accounts from a JSON list",
	Long: `Import accounts from a JSON list such as

  [{"name": "main", "provider": "anyrouter", "cookies": {"session": "..."}, "api_user": "1234"},
   {"name": "alt", "provider": "agentrouter", "username": "me", "password": "..."}]

cookies may also be a "name=value; name2=value2" string. Use - to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountImport,
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountEnableCmd, accountDisableCmd, accountRemoveCmd, accountImportCmd)

	f := accountAddCmd.Flags()
	f.String("name", "", "display name")
	f.String("provider", "", "provider name from the catalog")
	f.String("username", "", "login username (password mode)")
	f.String("cookies", "", `session cookies as "name=value; ..." (cookie mode)`)
	f.String("api-user", "", "identity token sent in the provider's user header (cookie mode)")
	f.String("email", "", "per-account notification address")
	f.Bool("disabled", false, "add the account without enabling it")
}

// importEntry is one element of an import file.
type importEntry struct {
	Name     string          `json:"name"`
	Provider string          `json:"provider"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	Cookies  json.RawMessage `json:"cookies"`
	APIUser  json.RawMessage `json:"api_user"`
	Email    string          `json:"email"`
	Enabled  *bool           `json:"enabled"`
}

// record converts the entry, picking password mode when credentials are
// present and cookie mode otherwise.
func (e importEntry) record() (accounts.Record, error) {
	rec := accounts.Record{
		DisplayName: strings.TrimSpace(e.Name),
		Provider:    strings.TrimSpace(e.Provider),
		NotifyEmail: strings.TrimSpace(e.Email),
		Enabled:     e.Enabled == nil || *e.Enabled,
	}
	if rec.Provider == "" {
		rec.Provider = "anyrouter"
	}

	if e.Username != "" && e.Password != "" {
		rec.AuthMode = accounts.AuthPassword
		rec.LoginUsername = e.Username
		rec.Password = e.Password
		return rec, nil
	}

	cookies, err := decodeCookies(e.Cookies)
	if err != nil {
		return accounts.Record{}, err
	}
	apiUser, err := decodeScalar(e.APIUser)
	if err != nil {
		return accounts.Record{}, fmt.Errorf("api_user: %w", err)
	}
	rec.AuthMode = accounts.AuthCookie
	rec.Artifacts = &session.Artifacts{Cookies: cookies, IdentityToken: apiUser}
	return rec, nil
}

func decodeCookies(raw json.RawMessage) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("cookies: %w", err)
		}
		return m, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("cookies: want object or string: %w", err)
	}
	return session.ParseCookieHeader(s), nil
}

// decodeScalar accepts a JSON string or number.
func decodeScalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return strings.TrimSpace(s), err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func parseImport(r io.Reader) ([]accounts.Record, error) {
	var entries []importEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding import file: %w", err)
	}
	recs := make([]accounts.Record, 0, len(entries))
	for i, e := range entries {
		rec, err := e.record()
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Name, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Name, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	provider, _ := f.GetString("provider")
	username, _ := f.GetString("username")
	cookies, _ := f.GetString("cookies")
	apiUser, _ := f.GetString("api-user")
	email, _ := f.GetString("email")
	disabled, _ := f.GetBool("disabled")

	entry := importEntry{Name: name, Provider: provider, Username: username, Email: email}
	enabled := !disabled
	entry.Enabled = &enabled
	if username != "" {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		entry.Password = password
	} else {
		entry.Cookies, _ = json.Marshal(cookies)
		entry.APIUser, _ = json.Marshal(apiUser)
	}
	rec, err := entry.record()
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, ok := a.providers.Get(rec.Provider); !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", rec.Provider, strings.Join(a.providers.Names(), ", "))
	}
	created, err := a.store.CreateAccount(cmd.Context(), rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s, %s mode): %s\n", created.DisplayName, created.Provider, created.AuthMode, created.ID)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.store.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODE\tENABLED\tSESSION")
	for _, rec := range recs {
		state := "none"
		switch {
		case rec.SecretErr != nil:
			state = "unreadable"
		case rec.HasArtifacts():
			state = "cached"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", rec.ID, rec.DisplayName, rec.Provider, rec.AuthMode, rec.Enabled, state)
	}
	return w.Flush()
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	logger.Info("✅ Account updated", "id", id, "enabled", enabled)
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteAccount(cmd.Context(), args[0]); err != nil {
		return err
	}
	logger.Info("🗑️ Account removed", "id", args[0])
	return nil
}

func runAccountImport(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	recs, err := parseImport(in)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, rec := range recs {
		if _, ok := a.providers.Get(rec.Provider); !ok {
			return fmt.Errorf("account %s: unknown provider %q", rec.DisplayName, rec.Provider)
		}
	}
	for _, rec := range recs {
		created, err := a.store.CreateAccount(cmd.Context(), rec)
		if err != nil {
			return fmt.Errorf("importing %s: %w", rec.DisplayName, err)
		}
		logger.Info("📥 Imported account", "name", created.DisplayName, "provider", created.Provider, "mode", created.AuthMode, "id", created.ID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d accounts\n", len(recs))
	return nil
}
