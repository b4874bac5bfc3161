package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/FerroO2000/uniring"
	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/egress"
	"github.com/FerroO2000/uniring/ingress"
	"github.com/FerroO2000/uniring/internal/shm"
	"github.com/FerroO2000/uniring/processor"
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

var (
	errConflictingSources = errors.New("at most one of -udp, -tcp and -kafka can be set")
	errConflictingSinks   = errors.New("at most one of -udp, -tcp, -kafka and -questdb can be set")
)

// countSet returns how many of the values are not empty.
func countSet(values ...string) int {
	count := 0
	for _, val := range values {
		if val != "" {
			count++
		}
	}
	return count
}

// parseAddrPort parses the address when it is set.
func parseAddrPort(addr string) (netip.AddrPort, error) {
	if addr == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(addr)
}

//////////////
//  CREATE  //
//////////////

func runCreate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)

	rf := &ringFlags{}
	rf.register(fs, true)

	if err := fs.Parse(args); err != nil {
		return err
	}

	capacity, slotSize, err := rf.geometry()
	if err != nil {
		return err
	}

	seg, err := shm.Create(rf.dir, rf.name, capacity, slotSize)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, seg.Path())

	return seg.Close()
}

///////////////
//  PRODUCE  //
///////////////

func runProduce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("produce", flag.ContinueOnError)

	rf := &ringFlags{}
	rf.register(fs, true)

	tf := &telemetryFlags{}
	tf.register(fs)

	udpAddr := fs.String("udp", "", "publish the datagrams received on this address instead of stdin")
	tcpAddr := fs.String("tcp", "", "publish the lines received by the TCP server on this address instead of stdin")
	kafkaBrokers := fs.String("kafka", "", "comma separated Kafka brokers to read the messages from instead of stdin")
	kafkaTopic := fs.String("kafka-topic", strings.Join(ingress.DefaultKafkaConfigTopics, ","), "comma separated Kafka topics (with -kafka)")
	kafkaGroup := fs.String("kafka-group", ingress.DefaultKafkaConfigGroupID, "Kafka consumer group (with -kafka)")
	maxLine := fs.Int("max-line", ingress.DefaultReaderConfigMaxLineSize, "size of the longest line read from stdin or a TCP connection")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if countSet(*udpAddr, *tcpAddr, *kafkaBrokers) > 1 {
		return errConflictingSources
	}

	udpAddrPort, err := parseAddrPort(*udpAddr)
	if err != nil {
		return err
	}

	tcpAddrPort, err := parseAddrPort(*tcpAddr)
	if err != nil {
		return err
	}

	shutdown, err := tf.setup(ctx, "uniring-producer")
	if err != nil {
		return err
	}
	defer shutdown()

	prod, err := openProducer(ctx, rf)
	if err != nil {
		return err
	}

	var stage uniring.Stage
	switch {
	case *udpAddr != "":
		cfg := ingress.NewUDPConfig()
		cfg.IPAddr = udpAddrPort.Addr().String()
		cfg.Port = udpAddrPort.Port()

		stage = ingress.NewUDPStage(prod, cfg)

	case *tcpAddr != "":
		cfg := ingress.NewTCPConfig()
		cfg.IPAddr = tcpAddrPort.Addr().String()
		cfg.Port = tcpAddrPort.Port()
		cfg.MaxMessageSize = *maxLine

		stage = ingress.NewTCPStage(prod, cfg)

	case *kafkaBrokers != "":
		cfg := ingress.NewKafkaConfig()
		cfg.Brokers = strings.Split(*kafkaBrokers, ",")
		cfg.Topics = strings.Split(*kafkaTopic, ",")
		cfg.GroupID = *kafkaGroup

		stage = ingress.NewKafkaStage(prod, cfg)

	default:
		cfg := ingress.NewReaderConfig()
		cfg.MaxLineSize = *maxLine

		stage = ingress.NewReaderStage(stdin, prod, cfg)
	}

	return runPipeline(ctx, stage)
}

func openProducer(ctx context.Context, rf *ringFlags) (*connector.Producer, error) {
	cfg, err := rf.config()
	if err != nil {
		return nil, err
	}

	if rf.create {
		return connector.CreateProducer(rf.dir, rf.name, cfg)
	}

	tel.LogInfo("waiting for the ring", "dir", rf.dir, "name", rf.name)
	return connector.OpenProducer(ctx, rf.dir, rf.name, cfg)
}

///////////////
//  CONSUME  //
///////////////

func runConsume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)

	rf := &ringFlags{}
	rf.register(fs, true)

	tf := &telemetryFlags{}
	tf.register(fs)

	udpAddr := fs.String("udp", "", "send every message as a datagram to this address instead of stdout")
	tcpAddr := fs.String("tcp", "", "write every message as a line to the TCP server on this address instead of stdout")
	kafkaBrokers := fs.String("kafka", "", "comma separated Kafka brokers to write every message to")
	kafkaTopic := fs.String("kafka-topic", egress.DefaultKafkaConfigTopic, "Kafka topic (with -kafka)")
	questDBAddr := fs.String("questdb", "", "QuestDB address to insert every message into")
	questDBTable := fs.String("questdb-table", egress.DefaultQuestDBConfigTable, "QuestDB table (with -questdb)")
	match := fs.String("match", "", "deliver only the messages containing this string")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if countSet(*udpAddr, *tcpAddr, *kafkaBrokers, *questDBAddr) > 1 {
		return errConflictingSinks
	}

	udpAddrPort, err := parseAddrPort(*udpAddr)
	if err != nil {
		return err
	}

	tcpAddrPort, err := parseAddrPort(*tcpAddr)
	if err != nil {
		return err
	}

	shutdown, err := tf.setup(ctx, "uniring-consumer")
	if err != nil {
		return err
	}
	defer shutdown()

	cons, err := openConsumer(ctx, rf)
	if err != nil {
		return err
	}

	stages := []uniring.Stage{}

	// The filter runs in front of the sink, on a ring of its own
	input := connector.Receiver(cons)
	if *match != "" {
		pattern := []byte(*match)

		localCfg, err := rf.config()
		if err != nil {
			cons.Close()
			return err
		}
		localCfg.Name = rf.name + "_filtered"
		localCfg.Capacity = connector.DefaultCapacity
		localCfg.SlotSize = cons.Segment().SlotSize()

		localProd, localCons, err := connector.NewPipe(localCfg)
		if err != nil {
			cons.Close()
			return err
		}

		filter := func(payload []byte) bool { return bytes.Contains(payload, pattern) }
		stages = append(stages, processor.NewFilterStage(filter, cons, localProd))

		input = localCons
	}

	var stage uniring.Stage
	switch {
	case *udpAddr != "":
		cfg := egress.NewUDPConfig()
		cfg.IPAddr = udpAddrPort.Addr().String()
		cfg.Port = udpAddrPort.Port()

		stage = egress.NewUDPStage(input, cfg)

	case *tcpAddr != "":
		cfg := egress.NewTCPConfig()
		cfg.IPAddr = tcpAddrPort.Addr().String()
		cfg.Port = tcpAddrPort.Port()

		stage = egress.NewTCPStage(input, cfg)

	case *kafkaBrokers != "":
		cfg := egress.NewKafkaConfig()
		cfg.Brokers = strings.Split(*kafkaBrokers, ",")
		cfg.Topic = *kafkaTopic

		stage = egress.NewKafkaStage(input, cfg)

	case *questDBAddr != "":
		cfg := egress.NewQuestDBConfig()
		cfg.Address = *questDBAddr
		cfg.Table = *questDBTable
		cfg.Ring = rf.name

		stage = egress.NewQuestDBStage(input, cfg)

	default:
		stage = egress.NewWriterStage(input, stdout, egress.NewWriterConfig())
	}

	return runPipeline(ctx, append(stages, stage)...)
}

func openConsumer(ctx context.Context, rf *ringFlags) (*connector.Consumer, error) {
	cfg, err := rf.config()
	if err != nil {
		return nil, err
	}

	if rf.create {
		return connector.CreateConsumer(rf.dir, rf.name, cfg)
	}

	tel.LogInfo("waiting for the ring", "dir", rf.dir, "name", rf.name)
	return connector.OpenConsumer(ctx, rf.dir, rf.name, cfg)
}

// runPipeline runs the stages until their inputs are exhausted
// or the context is done.
func runPipeline(ctx context.Context, stages ...uniring.Stage) error {
	pipeline := uniring.NewPipeline()
	for _, stage := range stages {
		pipeline.AddStage(stage)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := pipeline.Init(runCtx); err != nil {
		cancelRun()
		pipeline.Close()
		return err
	}

	pipeline.Run(runCtx)

	select {
	case <-pipeline.Done():
	case <-ctx.Done():
	}

	cancelRun()
	pipeline.Close()

	return nil
}

///////////////
//  INSPECT  //
///////////////

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)

	rf := &ringFlags{}
	rf.register(fs, false)

	if err := fs.Parse(args); err != nil {
		return err
	}

	seg, err := shm.Open(rf.dir, rf.name)
	if err != nil {
		return err
	}
	defer seg.Close()

	printSegment(stdout, seg)

	return nil
}

func printSegment(out io.Writer, seg *shm.Segment) {
	hdr := seg.Header()
	prodSide := seg.ProducerSide()
	consSide := seg.ConsumerSide()

	// The peers may be running, the values are a snapshot
	prod := prodSide.Prod()
	cons := consSide.Cons()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "path\t%s\n", seg.Path())
	fmt.Fprintf(w, "version\t%d\n", hdr.Version())
	fmt.Fprintf(w, "capacity\t%d\n", hdr.Capacity())
	fmt.Fprintf(w, "slot size\t%d\n", hdr.SlotSize())
	fmt.Fprintf(w, "total size\t%d\n", hdr.TotalSize())
	fmt.Fprintf(w, "creator pid\t%d\n", hdr.CreatorPID())
	fmt.Fprintf(w, "closed\t%s\n", hdr.Closed())
	fmt.Fprintf(w, "prod\t%d\n", prod)
	fmt.Fprintf(w, "cons limit\t%d\n", prodSide.ConsLimit())
	fmt.Fprintf(w, "cons\t%d\n", cons)
	fmt.Fprintf(w, "prod limit\t%d\n", consSide.ProdLimit())
	fmt.Fprintf(w, "unconsumed\t%d\n", prod-cons)
	fmt.Fprintf(w, "consumer wake\t%d\n", seg.ConsumerWakeWord().Load())
	fmt.Fprintf(w, "producer wake\t%d\n", seg.ProducerWakeWord().Load())

	w.Flush()
}

//////////////
//  REMOVE  //
//////////////

func runRemove(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)

	rf := &ringFlags{}
	rf.register(fs, false)

	if err := fs.Parse(args); err != nil {
		return err
	}

	return shm.RemoveFile(rf.dir, rf.name)
}
