package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/application"
	"raffler/domain/entities"
	"raffler/domain/services"
	"raffler/domain/testhelpers"
	"raffler/infrastructure/broker"
)

func TestParseAdminCommand(t *testing.T) {
	t.Parallel()
	raffleID := uuid.New().String()
	accountID := uuid.New().String()

	tests := []struct {
		name    string
		command string
		args    []string
		wantErr string
	}{
		{name: "deposit", command: "deposit", args: []string{"--account", accountID, "--amount", "12.50"}},
		{name: "deposit without account", command: "deposit", args: []string{"--amount", "5"}, wantErr: "--account is required"},
		{name: "deposit with bad amount", command: "deposit", args: []string{"--account", accountID, "--amount", "lots"}, wantErr: "invalid --amount"},
		{name: "create raffle", command: "create-raffle", args: []string{"--tickets", "10", "--price", "2", "--prize", "10", "--prize", "5", "--ends-in", "1h"}},
		{name: "create raffle with bad prize", command: "create-raffle", args: []string{"--tickets", "10", "--price", "2", "--prize", "x"}, wantErr: "invalid --prize 0"},
		{name: "buy quantity", command: "buy", args: []string{"--raffle", raffleID, "--account", accountID, "--quantity", "2"}},
		{name: "buy numbers", command: "buy", args: []string{"--raffle", raffleID, "--account", accountID, "--numbers", "1,4"}},
		{name: "buy both", command: "buy", args: []string{"--raffle", raffleID, "--account", accountID, "--quantity", "2", "--numbers", "1"}, wantErr: "exactly one"},
		{name: "buy neither", command: "buy", args: []string{"--raffle", raffleID, "--account", accountID}, wantErr: "exactly one"},
		{name: "force finish", command: "force-finish", args: []string{"--raffle", raffleID}},
		{name: "cancel with bad id", command: "cancel-raffle", args: []string{"--raffle", "nope"}, wantErr: "invalid --raffle"},
		{name: "stray argument", command: "force-finish", args: []string{"--raffle", raffleID, "extra"}, wantErr: "unexpected arguments"},
		{name: "unknown flag", command: "deposit", args: []string{"--bogus"}, wantErr: "unknown flag"},
		{name: "unknown command", command: "explode", wantErr: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			action, err := parseAdminCommand(tt.command, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, action)
		})
	}
}

func TestParseAdminCommand_Help(t *testing.T) {
	t.Parallel()
	action, err := parseAdminCommand("deposit", []string{"--help"})
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestIsAdminCommand(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"deposit", "create-raffle", "buy", "force-finish", "cancel-raffle", "watch"} {
		assert.True(t, IsAdminCommand(name), name)
		assert.Contains(t, AdminUsage(), name)
	}
	assert.False(t, IsAdminCommand("run"))
	assert.False(t, IsAdminCommand("migrate"))
}

func TestRunAdminAction_Deposit(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := broker.NewMemoryBroker(broker.Options{RetryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	store := testhelpers.NewMemoryStore(testhelpers.NewRecordingPublisher())

	worker := application.NewBalanceMutationWorker(b, "", services.NewBalanceService(store, nil))
	stop, err := worker.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	clients := &adminClients{
		balances: application.NewBalanceClient(b, "", 2*time.Second),
		raffles:  application.NewRaffleClient(b, 2*time.Second),
	}
	accountID := uuid.New()
	requestID := uuid.New()

	action, err := parseAdminCommand("deposit", []string{
		"--account", accountID.String(),
		"--amount", "40",
		"--request", requestID.String(),
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runAdminAction(ctx, action, clients, &out))

	var result entities.MutationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, requestID, result.RequestID)
	assert.Equal(t, entities.MutationApplied, result.Status)
	assert.True(t, decimal.NewFromInt(40).Equal(store.Balance(accountID)))

	t.Run("business rejection is reported", func(t *testing.T) {
		action, err := parseAdminCommand("force-finish", []string{"--raffle", uuid.New().String()})
		require.NoError(t, err)

		out.Reset()
		err = runAdminAction(ctx, action, clients, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rejected (raffle_finished)")
		assert.Empty(t, out.String())
	})
}
