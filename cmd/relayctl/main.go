// relayctl is the operator CLI for the relay's Postgres store.
//
//	relayctl create-user --email alice@example.com --password '...'
//	relayctl issue-code --email alice@example.com
//	relayctl hash-password --password '...'
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"

	"github.com/deskrelay/relay-server-go/internal/config"
	"github.com/deskrelay/relay-server-go/internal/database"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/util"
)

const commandTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	command, rest := args[0], args[1:]
	flagSet := pflag.NewFlagSet("relayctl "+command, pflag.ContinueOnError)
	email := flagSet.String("email", "", "user email")
	password := flagSet.String("password", "", "user password")

	if err := flagSet.Parse(rest); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	switch command {
	case "hash-password":
		if *password == "" {
			return fmt.Errorf("--password is required")
		}
		hash, err := util.HashPassword(*password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil

	case "create-user":
		if *email == "" || *password == "" {
			return fmt.Errorf("--email and --password are required")
		}
		return withUsers(func(ctx context.Context, users *service.UserService, _ *service.PairingService) error {
			user, err := users.Create(ctx, *email, *password)
			if err != nil {
				return err
			}
			fmt.Printf("created user %s (%s)\n", user.Email, user.ID)
			return nil
		})

	case "issue-code":
		if *email == "" {
			return fmt.Errorf("--email is required")
		}
		return withUsers(func(ctx context.Context, users *service.UserService, pairing *service.PairingService) error {
			user, err := users.FindByEmail(ctx, *email)
			if err != nil {
				return err
			}
			pc, err := pairing.Issue(ctx, user.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s (expires %s)\n", pc.Code, pc.ExpiresAt.Format(time.RFC3339))
			return nil
		})

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func withUsers(fn func(ctx context.Context, users *service.UserService, pairing *service.PairingService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	clk := clock.New()
	registry := hub.NewRegistry(clk, hub.Options{})
	devices := service.NewDeviceService(repository.NewDeviceRepository(db.DB), registry, nil, service.DeviceServiceOptions{})
	pairing := service.NewPairingService(repository.NewPairingCodeRepository(db.DB), devices, clk, cfg.PairingCodeTTL())
	users := service.NewUserService(repository.NewUserRepository(db.DB), clk, false)

	return fn(ctx, users, pairing)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: relayctl <command> [flags]

commands:
  create-user    --email --password   create a controller account
  issue-code     --email              issue a pairing code for an account
  hash-password  --password           print a bcrypt hash`)
}
