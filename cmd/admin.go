package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"raffler/application"
	"raffler/config"
	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
	"raffler/infrastructure"
)

// adminClients are the broker clients an admin command talks through
type adminClients struct {
	balances *application.BalanceClient
	raffles  *application.RaffleClient
}

type adminAction func(ctx context.Context, c *adminClients) (any, error)

type adminCommand struct {
	name    string
	summary string
	parse   func(fs *pflag.FlagSet) func() (adminAction, error)
}

var adminCommands = map[string]adminCommand{
	"deposit": {
		name:    "deposit",
		summary: "credit an account through the balance serializer",
		parse:   parseDeposit,
	},
	"create-raffle": {
		name:    "create-raffle",
		summary: "open a new raffle",
		parse:   parseCreateRaffle,
	},
	"buy": {
		name:    "buy",
		summary: "buy tickets in a raffle",
		parse:   parseBuy,
	},
	"force-finish": {
		name:    "force-finish",
		summary: "draw a raffle now",
		parse:   parseRaffleOnly(func(ctx context.Context, c *adminClients, id uuid.UUID) (any, error) {
			return c.raffles.Finish(ctx, id, interfaces.TriggerForceFinish)
		}),
	},
	"cancel-raffle": {
		name:    "cancel-raffle",
		summary: "cancel a raffle and refund every bet",
		parse:   parseRaffleOnly(func(ctx context.Context, c *adminClients, id uuid.UUID) (any, error) {
			return c.raffles.Cancel(ctx, id)
		}),
	},
}

// IsAdminCommand reports whether name is an admin subcommand
func IsAdminCommand(name string) bool {
	if name == "watch" {
		return true
	}
	_, ok := adminCommands[name]
	return ok
}

// AdminUsage lists the admin subcommands
func AdminUsage() string {
	names := make([]string, 0, len(adminCommands)+1)
	for name := range adminCommands {
		names = append(names, name)
	}
	names = append(names, "watch")
	sort.Strings(names)

	usage := "admin commands:\n"
	for _, name := range names {
		summary := "print broadcast events until interrupted"
		if cmd, ok := adminCommands[name]; ok {
			summary = cmd.summary
		}
		usage += fmt.Sprintf("  %-14s %s\n", name, summary)
	}
	return usage
}

// Admin runs one admin subcommand against a running service and writes its result as JSON
func Admin(ctx context.Context, name string, args []string, out io.Writer) error {
	if name == "watch" {
		return Watch(ctx, args, out)
	}

	action, err := parseAdminCommand(name, args)
	if err != nil {
		return err
	}
	if action == nil {
		return nil
	}

	cfg := config.Get()
	ConfigureLogging(cfg)
	if cfg.RabbitMQURL == "" {
		return fmt.Errorf("%s needs RABBITMQ_URL to reach the running service", name)
	}

	b, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Warn("Error closing broker")
		}
	}()

	clients := &adminClients{
		balances: application.NewBalanceClient(b, cfg.BalanceQueue, cfg.RPCTimeout),
		raffles:  application.NewRaffleClient(b, cfg.RPCTimeout),
	}
	return runAdminAction(ctx, action, clients, out)
}

// parseAdminCommand returns a nil action when only help was requested
func parseAdminCommand(name string, args []string) (adminAction, error) {
	cmd, ok := adminCommands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", name)
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	build := cmd.parse(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil
		}
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%s: unexpected arguments %v", cmd.name, fs.Args())
	}
	return build()
}

func runAdminAction(ctx context.Context, action adminAction, c *adminClients, out io.Writer) error {
	result, err := action(ctx, c)
	if err != nil {
		if domain.IsBusiness(err) {
			return fmt.Errorf("rejected (%s): %s", domain.CodeOf(err), domain.PublicMessage(err))
		}
		return err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func parseUUIDFlag(flag, value string, required bool) (uuid.UUID, error) {
	if value == "" {
		if required {
			return uuid.Nil, fmt.Errorf("--%s is required", flag)
		}
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return id, nil
}

func parseDeposit(fs *pflag.FlagSet) func() (adminAction, error) {
	account := fs.String("account", "", "account id (required)")
	amount := fs.String("amount", "", "amount to credit (required)")
	request := fs.String("request", "", "idempotency key, random when empty")
	reason := fs.String("reason", "admin deposit", "ledger reason")

	return func() (adminAction, error) {
		accountID, err := parseUUIDFlag("account", *account, true)
		if err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, fmt.Errorf("invalid --amount: %w", err)
		}
		requestID, err := parseUUIDFlag("request", *request, false)
		if err != nil {
			return nil, err
		}
		if requestID == uuid.Nil {
			requestID = uuid.New()
		}

		req := entities.BalanceMutationRequest{
			RequestID: requestID,
			AccountID: accountID,
			Kind:      entities.MutationCreditDeposit,
			Amount:    value,
			Reason:    *reason,
		}
		return func(ctx context.Context, c *adminClients) (any, error) {
			return c.balances.Submit(ctx, req)
		}, nil
	}
}

func parseCreateRaffle(fs *pflag.FlagSet) func() (adminAction, error) {
	tickets := fs.Int64("tickets", 0, "total number of tickets (required)")
	price := fs.String("price", "", "ticket price (required)")
	prizes := fs.StringSlice("prize", nil, "prize value, repeat in prize order (required)")
	maxPerUser := fs.Int64("max-per-user", 0, "per-account ticket limit, 0 for none")
	endsIn := fs.Duration("ends-in", 0, "deadline relative to now, 0 for none")

	return func() (adminAction, error) {
		ticketPrice, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("invalid --price: %w", err)
		}
		req := interfaces.CreateRaffleRequest{
			TotalTickets: *tickets,
			TicketPrice:  ticketPrice,
		}
		for i, raw := range *prizes {
			value, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid --prize %d: %w", i, err)
			}
			req.Prizes = append(req.Prizes, entities.Prize{Value: value})
		}
		if *maxPerUser > 0 {
			limit := *maxPerUser
			req.MaxTicketsPerUser = &limit
		}
		if *endsIn > 0 {
			deadline := time.Now().Add(*endsIn).UTC()
			req.EndsAt = &deadline
		}

		return func(ctx context.Context, c *adminClients) (any, error) {
			return c.raffles.Create(ctx, req)
		}, nil
	}
}

func parseBuy(fs *pflag.FlagSet) func() (adminAction, error) {
	raffle := fs.String("raffle", "", "raffle id (required)")
	account := fs.String("account", "", "account id (required)")
	quantity := fs.Int("quantity", 0, "number of random tickets")
	numbers := fs.Int64Slice("numbers", nil, "explicit ticket numbers")
	purchase := fs.String("purchase", "", "purchase id, random when empty")

	return func() (adminAction, error) {
		raffleID, err := parseUUIDFlag("raffle", *raffle, true)
		if err != nil {
			return nil, err
		}
		accountID, err := parseUUIDFlag("account", *account, true)
		if err != nil {
			return nil, err
		}
		purchaseID, err := parseUUIDFlag("purchase", *purchase, false)
		if err != nil {
			return nil, err
		}
		if (*quantity > 0) == (len(*numbers) > 0) {
			return nil, fmt.Errorf("exactly one of --quantity or --numbers is required")
		}

		req := interfaces.BuyRequest{
			PurchaseID:    purchaseID,
			RaffleID:      raffleID,
			AccountID:     accountID,
			TicketNumbers: *numbers,
			Quantity:      *quantity,
		}
		return func(ctx context.Context, c *adminClients) (any, error) {
			return c.raffles.Buy(ctx, req)
		}, nil
	}
}

func parseRaffleOnly(run func(ctx context.Context, c *adminClients, id uuid.UUID) (any, error)) func(fs *pflag.FlagSet) func() (adminAction, error) {
	return func(fs *pflag.FlagSet) func() (adminAction, error) {
		raffle := fs.String("raffle", "", "raffle id (required)")
		return func() (adminAction, error) {
			raffleID, err := parseUUIDFlag("raffle", *raffle, true)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, c *adminClients) (any, error) {
				return run(ctx, c, raffleID)
			}, nil
		}
	}
}

// Watch prints every broadcast event on the selected subjects until ctx is cancelled
func Watch(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	subjects := fs.StringSlice("subject", nil, "subject to follow, repeatable (default: all)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Get()
	ConfigureLogging(cfg)
	if cfg.NATSServers == "" {
		return fmt.Errorf("watch needs NATS_SERVERS")
	}

	mapper := infrastructure.NewEventSubjectMapper()
	if len(*subjects) == 0 {
		*subjects = mapper.GetAllSubjects()
	}

	client := infrastructure.NewNATSClient(cfg.NATSServers, serviceName+"-watch")
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Error closing NATS connection")
		}
	}()

	subscriber := infrastructure.NewNATSEventSubscriber(client, mapper)
	var mu sync.Mutex
	encoder := json.NewEncoder(out)
	printer := func(_ context.Context, _ events.EventType, envelope *infrastructure.EventEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		return encoder.Encode(envelope)
	}
	for _, subject := range *subjects {
		if err := subscriber.Subscribe(ctx, subject, printer); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	log.WithField("subjects", *subjects).Info("Watching events")
	<-ctx.Done()
	return nil
}
