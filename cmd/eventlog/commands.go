package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/israelio/eventlog-go-client/eventlog"
)

func newInfoCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print runtime information of the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer s.stop()

			info, err := s.client.GetRuntimeInformation(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newPartitionCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "partition <id>",
		Short: "Print runtime information of one partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer s.stop()

			info, err := s.client.GetPartitionRuntimeInformation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

type receiveOptions struct {
	partitions    []string
	consumerGroup string
	start         string
	inclusive     bool
	batchSize     int
	epoch         int64
	limit         int64
}

func newReceiveCommand(v *viper.Viper) *cobra.Command {
	var opts receiveOptions
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Tail events from one or more partitions",
		Long: `Tail events from one or more partitions until interrupted.

--start accepts start, end, offset:<offset>, seq:<sequence number> or
time:<RFC3339 timestamp>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(opts.start, opts.inclusive)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer s.stop()
			return runReceive(cmd.Context(), s, pos, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.partitions, "partition", "p", nil, "partition ids to read (default: all)")
	flags.StringVarP(&opts.consumerGroup, "consumer-group", "g", eventlog.DefaultConsumerGroup, "consumer group")
	flags.StringVar(&opts.start, "start", "end", "start position")
	flags.BoolVar(&opts.inclusive, "inclusive", false, "include the event at an offset or sequence number start")
	flags.IntVar(&opts.batchSize, "batch-size", eventlog.DefaultMaxBatchSize, "maximum events per handler call")
	flags.Int64Var(&opts.epoch, "epoch", 0, "receiver epoch (0 for a non-epoch receiver)")
	flags.Int64Var(&opts.limit, "limit", 0, "stop after this many events (0 for no limit)")
	return cmd
}

func runReceive(ctx context.Context, s *session, pos eventlog.EventPosition, opts receiveOptions, out io.Writer) error {
	partitions := opts.partitions
	if len(partitions) == 0 {
		info, err := s.client.GetRuntimeInformation(ctx)
		if err != nil {
			return err
		}
		partitions = info.PartitionIDs
	}

	receiverOpts := []eventlog.ReceiverOption{eventlog.WithStartPosition(pos)}
	if opts.epoch > 0 {
		receiverOpts = append(receiverOpts, eventlog.WithEpoch(opts.epoch))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	printer := &eventPrinter{out: out, limit: opts.limit, onLimit: cancel}

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range partitions {
		receiver, err := s.client.CreateReceiver(opts.consumerGroup, pid, receiverOpts...)
		if err != nil {
			return err
		}
		logger := s.logger.WithField("partition", pid)
		pump, err := receiver.SetReceiveHandler(gctx, eventlog.ReceiveHandlerFuncs{
			Receive: func(events []*eventlog.EventData) error {
				return printer.print(pid, events)
			},
			Error: func(err error) {
				logger.WithError(err).Error("receive pump stopped")
			},
			BatchSize: opts.batchSize,
		})
		if err != nil {
			return err
		}
		logger.WithField("start", pos.Selector()).Info("receiving")

		g.Go(func() error {
			select {
			case <-gctx.Done():
				_, err := pump.Stop().Wait(context.Background())
				return err
			case <-pump.Done().Done():
				return pump.Done().Err()
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

type eventPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	count   int64
	limit   int64
	onLimit func()
}

type printedEvent struct {
	Partition      string         `json:"partition"`
	Offset         string         `json:"offset"`
	SequenceNumber int64          `json:"sequenceNumber"`
	EnqueuedTime   time.Time      `json:"enqueuedTime"`
	PartitionKey   string         `json:"partitionKey,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	Body           string         `json:"body"`
}

func (p *eventPrinter) print(pid string, events []*eventlog.EventData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range events {
		if p.limit > 0 && p.count >= p.limit {
			return nil
		}
		err := writeJSON(p.out, printedEvent{
			Partition:      pid,
			Offset:         ev.SystemProperties.Offset,
			SequenceNumber: ev.SystemProperties.SequenceNumber,
			EnqueuedTime:   ev.SystemProperties.EnqueuedTime,
			PartitionKey:   ev.SystemProperties.PartitionKey,
			Properties:     ev.Properties,
			Body:           string(ev.Body),
		})
		if err != nil {
			return err
		}
		p.count++
		if p.limit > 0 && p.count == p.limit {
			p.onLimit()
		}
	}
	return nil
}

// parsePosition understands start, end, offset:<o>, seq:<n> and time:<rfc3339>
func parsePosition(s string, inclusive bool) (eventlog.EventPosition, error) {
	kind, value, _ := strings.Cut(s, ":")
	switch strings.ToLower(kind) {
	case "start", "":
		return eventlog.StartOfStream(), nil
	case "end":
		return eventlog.EndOfStream(), nil
	case "offset":
		if value == "" {
			return eventlog.EventPosition{}, fmt.Errorf("offset position needs a value: %q", s)
		}
		return eventlog.FromOffset(value, inclusive), nil
	case "seq":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return eventlog.EventPosition{}, fmt.Errorf("invalid sequence number %q: %w", value, err)
		}
		return eventlog.FromSequenceNumber(n, inclusive), nil
	case "time":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return eventlog.EventPosition{}, fmt.Errorf("invalid enqueued time %q: %w", value, err)
		}
		return eventlog.FromEnqueuedTime(t), nil
	default:
		return eventlog.EventPosition{}, fmt.Errorf("unknown start position %q", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}
