package observability

// Metric name prefixes
const (
	MetricPrefix = "raffler"
)

// Metric names
const (
	// Balance serializer metrics
	BalanceMutationsTotal = MetricPrefix + ".balance.mutations_total"

	// Raffle pipeline metrics
	RaffleMessagesTotal = MetricPrefix + ".raffle.messages_total"
	RaffleDrawsTotal    = MetricPrefix + ".raffle.draws_total"
	RaffleQueuesOpen    = MetricPrefix + ".raffle.queues_open"

	// Deferred credit metrics
	DeferredCreditsDispatchedTotal = MetricPrefix + ".deferred_credits.dispatched_total"

	// Broker metrics
	RPCDuration = MetricPrefix + ".broker.rpc_duration"
)

// Label keys
const (
	LabelKind    = "kind"
	LabelType    = "type"
	LabelOutcome = "outcome"
	LabelTrigger = "trigger"
	LabelQueue   = "queue"
)

// Outcome values besides error codes
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeFailed  = "failed"
)

// Queue kinds used as RPC labels
const (
	QueueBalance = "balance"
	QueueRaffle  = "raffle"
	QueueControl = "control"
)

// Exporter types
const (
	ExporterNone    = "none"
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
)
