package egress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	qdb "github.com/questdb/go-questdb-client/v3"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the QuestDB egress stage configuration.
const (
	DefaultQuestDBConfigAddress       = "localhost:9000"
	DefaultQuestDBConfigTable         = "uniring_messages"
	DefaultQuestDBConfigRing          = "ring"
	DefaultQuestDBConfigBatchSize     = 1000
	DefaultQuestDBConfigAutoFlushRows = 75_000
	DefaultQuestDBConfigRetryTimeout  = time.Second
)

// QuestDBConfig structs contains the configuration for the QuestDB egress stage.
type QuestDBConfig struct {
	// Address of the QuestDB server.
	//
	// Default: "localhost:9000"
	Address string

	// Table the messages are inserted into.
	// Every message is a row with the ring symbol,
	// the size and the payload columns.
	//
	// Default: "uniring_messages"
	Table string

	// Ring is the value of the ring symbol.
	//
	// Default: "ring"
	Ring string

	// BatchSize is the largest number of rows sent at once.
	//
	// Default: 1000
	BatchSize int

	// AutoFlushRows is the number of buffered rows that triggers a flush.
	//
	// Default: 75000
	AutoFlushRows int

	// RetryTimeout is the time spent retrying a failed flush.
	//
	// Default: 1s
	RetryTimeout time.Duration
}

// NewQuestDBConfig returns the default configuration for the QuestDB egress stage.
func NewQuestDBConfig() *QuestDBConfig {
	return &QuestDBConfig{
		Address:       DefaultQuestDBConfigAddress,
		Table:         DefaultQuestDBConfigTable,
		Ring:          DefaultQuestDBConfigRing,
		BatchSize:     DefaultQuestDBConfigBatchSize,
		AutoFlushRows: DefaultQuestDBConfigAutoFlushRows,
		RetryTimeout:  DefaultQuestDBConfigRetryTimeout,
	}
}

func (c *QuestDBConfig) batchSize() int {
	return c.BatchSize
}

// Validate checks the configuration.
func (c *QuestDBConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Address", &c.Address, DefaultQuestDBConfigAddress)
	config.CheckNotEmpty(ac, "Table", &c.Table, DefaultQuestDBConfigTable)
	config.CheckNotEmpty(ac, "Ring", &c.Ring, DefaultQuestDBConfigRing)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultQuestDBConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultQuestDBConfigBatchSize)

	config.CheckNotZero(ac, "AutoFlushRows", &c.AutoFlushRows, DefaultQuestDBConfigAutoFlushRows)
	config.CheckNotNegative(ac, "AutoFlushRows", &c.AutoFlushRows, DefaultQuestDBConfigAutoFlushRows)

	config.CheckNotNegative(ac, "RetryTimeout", &c.RetryTimeout, DefaultQuestDBConfigRetryTimeout)
}

////////////
//  SINK  //
////////////

var _ sink = (*questDBSink)(nil)

type questDBSink struct {
	tel *internal.Telemetry
	cfg *QuestDBConfig

	senderPool *qdb.LineSenderPool
	sender     qdb.LineSender

	// Metrics
	insertedRows atomic.Int64
}

func newQuestDBSink(cfg *QuestDBConfig) *questDBSink {
	return &questDBSink{
		cfg: cfg,
	}
}

func (qs *questDBSink) setTelemetry(tel *internal.Telemetry) {
	qs.tel = tel
}

func (qs *questDBSink) init(ctx context.Context) error {
	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(qs.cfg.Address),
		qdb.WithHttp(),
		qdb.WithAutoFlushRows(qs.cfg.AutoFlushRows),
		qdb.WithRetryTimeout(qs.cfg.RetryTimeout),
	)
	if err != nil {
		return err
	}
	qs.senderPool = senderPool

	sender, err := senderPool.Sender(ctx)
	if err != nil {
		return err
	}
	qs.sender = sender

	qs.tel.NewCounter("inserted_rows", func() int64 { return qs.insertedRows.Load() })

	return nil
}

func (qs *questDBSink) deliver(ctx context.Context, payloads [][]byte) error {
	now := time.Now()

	for _, payload := range payloads {
		err := qs.sender.Table(qs.cfg.Table).
			Symbol("ring", qs.cfg.Ring).
			Int64Column("size", int64(len(payload))).
			StringColumn("payload", string(payload)).
			At(ctx, now)
		if err != nil {
			return err
		}

		qs.insertedRows.Add(1)
	}

	return qs.sender.Flush(ctx)
}

func (qs *questDBSink) close() {
	if qs.sender != nil {
		if err := qs.sender.Close(context.Background()); err != nil {
			qs.tel.LogError("failed to close sender", err)
		}
	}

	if qs.senderPool != nil {
		if err := qs.senderPool.Close(context.Background()); err != nil {
			qs.tel.LogError("failed to close sender pool", err)
		}
	}
}

/////////////
//  STAGE  //
/////////////

// QuestDBStage inserts every message as a row of a QuestDB table.
type QuestDBStage struct {
	*stage
}

// NewQuestDBStage returns a new QuestDB egress stage.
func NewQuestDBStage(input receiver, cfg *QuestDBConfig) *QuestDBStage {
	return &QuestDBStage{
		stage: newStage("questdb", newQuestDBSink(cfg), input, cfg),
	}
}
