// Command gatewayctl manages gateway credentials and admin tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/config"
	"stage_gateway/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "create-key":
		err = runCreateKey(os.Args[2:])
	case "revoke-key":
		err = runRevokeKey(os.Args[2:])
	case "admin-token":
		err = runAdminToken(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: gatewayctl <command> [flags]

Commands:
  create-key   -user <uuid> [-name <label>]   issue an API key; the raw key is printed once
  revoke-key   -id <uuid>                     revoke an API key permanently
  admin-token  -subject <name> [-role viewer|admin] [-ttl 12h]

Configuration is read from the same environment as the gateway.`)
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	db, err := storage.NewDB(storage.DBConfig{
		DSN:          cfg.Database.URL,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runCreateKey(args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	userFlag := fs.String("user", "", "owner user id (uuid)")
	nameFlag := fs.String("name", "", "optional label")
	_ = fs.Parse(args)

	userID, err := uuid.Parse(*userFlag)
	if err != nil {
		return fmt.Errorf("-user must be a uuid: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	hasher, err := auth.NewKeyHasher(cfg.Security.HashSalt, cfg.Security.KeyHashPepper)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	raw, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	var name *string
	if n := strings.TrimSpace(*nameFlag); n != "" {
		name = &n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cred, err := storage.NewCredentialRepository(db).Create(ctx, userID, hasher.Hash(raw), name)
	if err != nil {
		return err
	}

	fmt.Printf("Credential ID: %s\n", cred.ID)
	fmt.Printf("User ID:       %s\n", cred.UserID)
	fmt.Printf("API key:       %s\n", raw)
	fmt.Println("Store the key now; it cannot be shown again.")
	return nil
}

func runRevokeKey(args []string) error {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
	idFlag := fs.String("id", "", "credential id (uuid)")
	_ = fs.Parse(args)

	id, err := uuid.Parse(*idFlag)
	if err != nil {
		return fmt.Errorf("-id must be a uuid: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := storage.NewCredentialRepository(db).Revoke(ctx, id); err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return fmt.Errorf("credential %s not found", id)
		}
		return err
	}
	fmt.Printf("Credential %s revoked\n", id)
	return nil
}

func runAdminToken(args []string) error {
	fs := flag.NewFlagSet("admin-token", flag.ExitOnError)
	subject := fs.String("subject", "", "token subject, e.g. an operator name")
	role := fs.String("role", string(auth.RoleViewer), "viewer or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime; defaults to ADMIN_TOKEN_TTL")
	_ = fs.Parse(args)

	if *subject == "" {
		return errors.New("-subject is required")
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.Admin.JWTSecret) == 0 {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}
	lifetime := cfg.Admin.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, expires, err := auth.GenerateAdminJWT(cfg.Admin.JWTSecret, *subject, []string{r.String()}, lifetime)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
