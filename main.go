package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"raffler/cmd"
	"raffler/config"
	"raffler/database"
)

func main() {
	command := "run"
	var args []string
	if len(os.Args) > 1 {
		command = os.Args[1]
		args = os.Args[2:]
	}

	// Check for migration subcommands
	if command == "migrate" {
		if err := handleMigrationCommand(args); err != nil {
			log.Fatal("Migration error: ", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	switch {
	case command == "run":
		if err := cmd.Run(ctx); err != nil {
			log.Fatal("Application error: ", err)
		}
	case cmd.IsAdminCommand(command):
		if err := cmd.Admin(ctx, command, args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nusage: raffler [run|migrate up|down|status]\n\n%s", command, cmd.AdminUsage())
		os.Exit(2)
	}
}

func handleMigrationCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: raffler migrate [up|down|status] [args...]")
	}

	databaseURL := config.Get().GetDatabaseURL()
	switch args[0] {
	case "up":
		return database.MigrateUp(databaseURL)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[1], err)
			}
			steps = n
		}
		return database.MigrateDown(databaseURL, steps)
	case "status":
		status, err := database.MigrateStatus(databaseURL)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	default:
		return fmt.Errorf("unknown migration command: %s", args[0])
	}
}
