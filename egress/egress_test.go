package egress

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipe(t *testing.T) (*connector.Producer, *connector.Consumer) {
	t.Helper()

	cfg := connector.DefaultConfig()
	cfg.Capacity = 8
	cfg.SlotSize = 32
	cfg.WaitSlice = 10 * time.Millisecond

	prod, cons, err := connector.NewPipe(cfg)
	require.NoError(t, err)

	return prod, cons
}

func runStage(ctx context.Context, stage interface{ Run(context.Context) }) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		stage.Run(ctx)
		close(done)
	}()
	return done
}

func Test_WriterStage(t *testing.T) {
	assert := assert.New(t)

	prod, cons := newTestPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &bytes.Buffer{}

	cfg := NewWriterConfig()
	cfg.BatchSize = 3

	stage := NewWriterStage(cons, out, cfg)
	require.NoError(t, stage.Init(ctx))

	done := runStage(ctx, stage)

	expected := &bytes.Buffer{}
	for i := range 50 {
		payload := fmt.Appendf(nil, "message %d", i)
		require.NoError(t, prod.Write(ctx, payload))

		expected.Write(payload)
		expected.WriteByte('\n')
	}
	require.NoError(t, prod.Close())

	<-done
	stage.Close()

	assert.Equal(expected.String(), out.String())
	assert.Equal(int64(50), stage.sink.(*writerSink).writtenMessages.Load())
}

func Test_StageBatchSizeFallback(t *testing.T) {
	suite := []struct {
		name     string
		newStage func(in receiver) *stage
		expected int
	}{
		{
			name: "writer",
			newStage: func(in receiver) *stage {
				cfg := NewWriterConfig()
				cfg.BatchSize = -3
				return NewWriterStage(in, &bytes.Buffer{}, cfg).stage
			},
			expected: DefaultWriterConfigBatchSize,
		},
		{
			name: "udp",
			newStage: func(in receiver) *stage {
				cfg := NewUDPConfig()
				cfg.IPAddr = "127.0.0.1"
				cfg.Port = 9
				cfg.BatchSize = -1
				return NewUDPStage(in, cfg).stage
			},
			expected: DefaultUDPConfigBatchSize,
		},
		{
			name: "writer zero",
			newStage: func(in receiver) *stage {
				cfg := NewWriterConfig()
				cfg.BatchSize = 0
				return NewWriterStage(in, &bytes.Buffer{}, cfg).stage
			},
			expected: DefaultWriterConfigBatchSize,
		},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			_, cons := newTestPipe(t)

			stage := tCase.newStage(cons)
			require.NoError(t, stage.Init(context.Background()))
			defer stage.Close()

			assert.Equal(t, tCase.expected, stage.maxBatch)
		})
	}
}

func Test_WriterStageSkipsMalformed(t *testing.T) {
	assert := assert.New(t)

	prod, cons := newTestPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := prod.WriteBatch(ctx, [][]byte{[]byte("good"), []byte("bad"), []byte("also good")})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	binary.LittleEndian.PutUint32(prod.Segment().Slot(1), 1<<20)
	require.NoError(t, prod.Close())

	out := &bytes.Buffer{}

	cfg := NewWriterConfig()
	cfg.Delimiter = ';'

	stage := NewWriterStage(cons, out, cfg)
	require.NoError(t, stage.Init(ctx))

	<-runStage(ctx, stage)
	stage.Close()

	assert.Equal("good;also good;", out.String())
}

func Test_UDPStage(t *testing.T) {
	assert := assert.New(t)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	prod, cons := newTestPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := NewUDPConfig()
	cfg.Port = uint16(listener.LocalAddr().(*net.UDPAddr).Port)

	stage := NewUDPStage(cons, cfg)
	require.NoError(t, stage.Init(ctx))

	done := runStage(ctx, stage)

	buf := make([]byte, 64)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)))

	for i := range 3 {
		require.NoError(t, prod.Write(ctx, fmt.Appendf(nil, "datagram %d", i)))

		n, err := listener.Read(buf)
		require.NoError(t, err)
		assert.Equal(fmt.Sprintf("datagram %d", i), string(buf[:n]))
	}

	require.NoError(t, prod.Close())
	<-done
	stage.Close()

	assert.Equal(int64(3), stage.sink.(*udpSink).deliveredMessages.Load())
}

func Test_TCPStage(t *testing.T) {
	assert := assert.New(t)

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(received)
			return
		}
		defer conn.Close()

		data, _ := io.ReadAll(conn)
		received <- data
	}()

	prod, cons := newTestPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := NewTCPConfig()
	cfg.Port = uint16(listener.Addr().(*net.TCPAddr).Port)
	cfg.Delimiter = []byte("\r\n")
	cfg.BatchSize = 4

	stage := NewTCPStage(cons, cfg)
	require.NoError(t, stage.Init(ctx))

	done := runStage(ctx, stage)

	expected := &bytes.Buffer{}
	for i := range 30 {
		payload := fmt.Appendf(nil, "message %d", i)
		require.NoError(t, prod.Write(ctx, payload))

		expected.Write(payload)
		expected.WriteString("\r\n")
	}
	require.NoError(t, prod.Close())

	<-done
	stage.Close()

	select {
	case data := <-received:
		assert.Equal(expected.String(), string(data))
	case <-ctx.Done():
		t.Fatal("connection not closed")
	}

	sink := stage.sink.(*tcpSink)
	assert.Equal(int64(30), sink.deliveredMessages.Load())
	assert.Equal(int64(expected.Len()), sink.deliveredBytes.Load())
	assert.Equal(4, stage.maxBatch)
}

func Test_TCPStageUnreachable(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())

	_, cons := newTestPipe(t)

	cfg := NewTCPConfig()
	cfg.Port = port

	stage := NewTCPStage(cons, cfg)
	assert.Error(t, stage.Init(context.Background()))
}

func Test_KafkaConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := &KafkaConfig{
		MaxAttempts: -1,
	}

	anomalies := config.NewValidator(internal.NewTelemetry("egress", "kafka")).Validate(cfg)
	assert.Positive(anomalies)

	assert.Equal(DefaultKafkaConfigBrokers, cfg.Brokers)
	assert.Equal(DefaultKafkaConfigTopic, cfg.Topic)
	assert.IsType(&kafka.RoundRobin{}, cfg.Balancer)
	assert.Equal(DefaultKafkaConfigMaxAttempts, cfg.MaxAttempts)
	assert.Equal(DefaultKafkaConfigBatchSize, cfg.BatchSize)
	assert.Equal(time.Millisecond, cfg.BatchTimeout)
}

func Test_KafkaMessages(t *testing.T) {
	assert := assert.New(t)

	sink := newKafkaSink(NewKafkaConfig())
	sink.setTelemetry(internal.NewTelemetry("egress", "kafka"))

	payloads := [][]byte{[]byte("a"), []byte("b")}
	msgs := sink.messages(context.Background(), payloads)

	assert.Len(msgs, 2)
	for i, msg := range msgs {
		assert.Equal(payloads[i], msg.Value)
		assert.Empty(msg.Topic)
	}
}

func Test_QuestDBConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := &QuestDBConfig{
		Table:        "custom",
		RetryTimeout: -time.Second,
	}

	anomalies := config.NewValidator(internal.NewTelemetry("egress", "questdb")).Validate(cfg)
	assert.Positive(anomalies)

	assert.Equal(DefaultQuestDBConfigAddress, cfg.Address)
	assert.Equal("custom", cfg.Table)
	assert.Equal(DefaultQuestDBConfigRing, cfg.Ring)
	assert.Equal(DefaultQuestDBConfigBatchSize, cfg.BatchSize)
	assert.Equal(DefaultQuestDBConfigAutoFlushRows, cfg.AutoFlushRows)
	assert.Equal(DefaultQuestDBConfigRetryTimeout, cfg.RetryTimeout)
}
