package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"fridgesync/internal/app"
	"fridgesync/internal/config"
	"fridgesync/internal/encryption"
	"fridgesync/internal/fridge"
	"fridgesync/internal/remote"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file from its default location.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "AddProduct", "Sync").
func newApp(ctx context.Context, operation, parameters string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	passphrase := ""
	if cfg.Encryption.Type == "age" {
		passphrase, err = readPassphrase("Passphrase: ")
		if err != nil {
			return nil, err
		}
	}

	a, err := app.New(ctx, cfg, operation, parameters, app.Options{
		Passphrase: passphrase,
		Stderr:     os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withApp runs fn against a fresh App and records its outcome.
func withApp(cmd *cobra.Command, operation, parameters string, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, operation, parameters)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		a.Fail(err)
		return err
	}
	return nil
}

// readPassphrase takes the passphrase from FRIDGESYNC_PASSPHRASE or prompts
// for it without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv("FRIDGESYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	return readSecret(prompt)
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s no terminal to prompt on", strings.TrimSuffix(prompt, ": "))
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

var rootCmd = &cobra.Command{
	Use:           "fridgesync",
	Short:         "Offline-first fridge and shopping list manager",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		if baseURL, _ := cmd.Flags().GetString("remote"); baseURL != "" {
			cfg.Remote.BaseURL = baseURL
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Store:       %s\n", cfg.Store.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("Remote:      %s\n", cfg.Remote.BaseURL)
		fmt.Printf("Parallelism: %d\n", cfg.Sync.Parallelism)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the age key pair for encryption at rest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc := encryption.NewAgeEncryptor(cfg.Encryption)
		if enc.IsConfigured() {
			return fmt.Errorf("key pair already exists at %s", cfg.Encryption.PublicKeyPath)
		}

		passphrase, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if os.Getenv("FRIDGESYNC_PASSPHRASE") == "" {
			confirm, err := readSecret("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if confirm != passphrase {
				return errors.New("passphrases do not match")
			}
		}

		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		pub, err := enc.PublicKey()
		if err != nil {
			return err
		}
		fmt.Printf("Public key: %s\n", pub)
		if cfg.Encryption.Type != "age" {
			fmt.Println(`Set [encryption] type = "age" in the config file to encrypt the local store.`)
		}
		return nil
	},
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the remote service credential",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an access token for the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token, err = readSecret("Access token: ")
			if err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		info := remote.Inspect(token)
		if info.ExpiresAt != nil && !info.ExpiresAt.After(now) {
			return fmt.Errorf("token expired at %s", info.ExpiresAt.Format(time.RFC3339))
		}
		if err := remote.SaveToken(cfg.Remote.TokenPath, token, now); err != nil {
			return err
		}

		fmt.Printf("Token saved to %s\n", cfg.Remote.TokenPath)
		printTokenInfo(info)
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token, err := remote.NewFileTokenSource(cfg.Remote.TokenPath, fridge.RealClock{}).Token(cmd.Context())
		if err != nil {
			fmt.Printf("Not logged in: %v\n", err)
			return nil
		}
		fmt.Println("Logged in")
		printTokenInfo(remote.Inspect(token))
		return nil
	},
}

func printTokenInfo(info remote.TokenInfo) {
	if !info.JWT {
		fmt.Println("Token is opaque; expiry unknown")
		return
	}
	if info.Subject != "" {
		fmt.Printf("Subject: %s\n", info.Subject)
	}
	if info.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("remote", "", "Base URL of the remote service")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)

	// auth subcommands
	authCmd.AddCommand(authLoginCmd)
	authLoginCmd.Flags().String("token", "", "Access token (prompted for when omitted)")
	authCmd.AddCommand(authStatusCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
}
