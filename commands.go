package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"cognitogate/cognito"
	"cognitogate/server"
)

func (c *cli) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}

	var guided, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(c.configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", c.configPath)
			}
			cfg := server.DefaultConfig()
			if guided {
				var err error
				cfg, err = runSetup(cmd.InOrStdin(), cmd.OutOrStdout(), cfg)
				if err != nil {
					return err
				}
			}
			if err := writeConfigFile(c.configPath, cfg); err != nil {
				return err
			}
			c.logger.Info("configuration created", "path", c.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&guided, "guided", false, "Prompt for the Cognito pool settings")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and probe the pool issuer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigValidate(cmd.Context(), c.configPath, c.logger)
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	if cfg.DevPoolActive() {
		logger.Info("config valid", "path", path, "cognito", "dev pool")
		return nil
	}
	if err := cfg.Cognito.Check(); err != nil {
		return fmt.Errorf("cognito settings: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	doc, err := cognito.Discover(ctx, cfg.Cognito.Issuer(), "", &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("probe issuer: %w", err)
	}
	logger.Info("config valid", "path", path, "issuer", doc.Issuer, "jwks_uri", doc.JWKSURL)
	return nil
}

func (c *cli) newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Check that the Hosted UI login page is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return runConnect(cmd.Context(), cfg, c.logger, nil)
		},
	}
}

// runConnect requests the Hosted UI authorize URL and follows redirects
// until it lands on a page.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.DevPoolActive() {
		return errors.New("the dev pool is served by the gateway itself; start it with serve")
	}
	pool, err := cognito.NewPool(cfg.Cognito, cfg.CallbackURL(), cognito.PoolOptions{HTTPClient: httpClient})
	if err != nil {
		return fmt.Errorf("cognito settings: %w", err)
	}

	authURL := pool.AuthCodeURL(randomHex(8))
	logger.Info("connect.start", "user_pool_id", cfg.Cognito.UserPoolID, "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("hosted UI returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached Hosted UI login page")
	return nil
}

func (c *cli) newEmergencyTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-token",
		Short: "Print the local login bypass URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			token, err := server.LoadEmergencyToken(cfg.Server.SecretsPath, cfg.Auth.EmergencyAccessParam)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), emergencyLoginURL(cfg.Server.PublicURL, token))
			return nil
		},
	}
}

func emergencyLoginURL(publicURL, token string) string {
	return strings.TrimSuffix(publicURL, "/") + "/login?" + url.QueryEscape(token)
}

func (c *cli) newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local passwords",
	}

	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := hashPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set-password <username>",
		Short: "Read a password from stdin and store it for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Users.Driver != "postgres" {
				return fmt.Errorf("users driver %q keeps no state between runs; set password_hash on a seed user instead", cfg.Users.Driver)
			}
			hash, err := hashPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			users, err := server.OpenPostgresUserStore(ctx, cfg.Users.PostgresDSN)
			if err != nil {
				return err
			}
			defer users.Close()
			return setPassword(ctx, users, args[0], hash, c.logger)
		},
	}

	cmd.AddCommand(hashCmd, setCmd)
	return cmd
}

func setPassword(ctx context.Context, users server.UserStore, username, hash string, logger *slog.Logger) error {
	u, err := users.FindByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("find %s: %w", username, err)
	}
	u.PasswordHash = hash
	if err := users.Update(ctx, u); err != nil {
		return fmt.Errorf("update %s: %w", username, err)
	}
	logger.Info("password updated", "user_id", u.ID, "username", u.Username)
	return nil
}

func hashPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// runSetup prompts for the values a fresh install needs and returns cfg
// updated with them.
func runSetup(in io.Reader, out io.Writer, cfg server.Config) (server.Config, error) {
	reader := bufio.NewReader(in)
	p := prompter{reader: reader, out: out}
	fmt.Fprintln(out, "Starting guided setup for an Amazon Cognito user pool. Press Enter to accept defaults.")

	devMode, err := p.askYesNo("Run in development mode?", true)
	if err != nil {
		return cfg, err
	}
	cfg.Server.DevMode = devMode

	if devMode {
		if cfg.Server.DevListenAddr, err = p.ask("Gateway dev listen address", cfg.Server.DevListenAddr); err != nil {
			return cfg, err
		}
		if cfg.DevPool.Enabled, err = p.askYesNo("Use the built-in dev user pool instead of Cognito?", false); err != nil {
			return cfg, err
		}
		if cfg.DevPool.Enabled {
			return cfg, nil
		}
	} else {
		domain, err := p.askRequired("Primary public domain (e.g. login.example.com)")
		if err != nil {
			return cfg, err
		}
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		if cfg.Server.TLS.Email, err = p.ask("ACME contact email", cfg.Server.TLS.Email); err != nil {
			return cfg, err
		}
	}

	fields := []struct {
		prompt   string
		dst      *string
		required bool
	}{
		{"Cognito user pool ID (e.g. eu-west-1_AbCdEf123)", &cfg.Cognito.UserPoolID, true},
		{"App client ID", &cfg.Cognito.ClientID, true},
		{"App client secret (blank for public clients)", &cfg.Cognito.ClientSecret, false},
		{"Hosted UI domain (e.g. login.auth.eu-west-1.amazoncognito.com)", &cfg.Cognito.Domain, true},
	}
	for _, f := range fields {
		var v string
		if f.required {
			v, err = p.askRequired(f.prompt)
		} else {
			v, err = p.ask(f.prompt, "")
		}
		if err != nil {
			return cfg, err
		}
		*f.dst = v
	}

	if cfg.Auth.ForceCognito, err = p.askYesNo("Send every login to Cognito?", false); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p prompter) readLine() (string, error) {
	input, err := p.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || input == "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(input), nil
}

func (p prompter) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	input, err := p.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return strings.TrimSpace(def), nil
		}
		return "", err
	}
	if input == "" {
		return strings.TrimSpace(def), nil
	}
	return input, nil
}

func (p prompter) askRequired(prompt string) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, err := p.readLine()
		if err != nil {
			return "", fmt.Errorf("%s: %w", prompt, err)
		}
		if input != "" {
			return input, nil
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p prompter) askYesNo(prompt string, def bool) (bool, error) {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defLabel)
		input, err := p.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return def, nil
			}
			return false, err
		}
		switch strings.ToLower(input) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
		}
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
