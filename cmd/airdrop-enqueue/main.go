package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tsender/airdrop/internal/batchprep"
	"github.com/tsender/airdrop/internal/events"
	"github.com/tsender/airdrop/internal/listsource"
	"github.com/tsender/airdrop/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("airdrop-enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", queue.TopicRequests, "queue topic")
	id := fs.String("id", "", "request id; defaults to a hash of the request contents")
	token := fs.String("token", "", "ERC-20 token address (required)")
	recipients := fs.String("recipients", "", "recipient addresses separated by commas or newlines")
	amounts := fs.String("amounts", "", "amounts in token units, same order as --recipients")
	listFrom := fs.String("list-from", "", "load address,amount lines from a path, file://, or s3://bucket/key")
	decimals := fs.Int("decimals", -1, "token decimals; -1 lets the worker read them from the token")
	timeout := fs.Duration("timeout", 30*time.Second, "timeout for loading and publishing")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(strings.TrimSpace(*token)) {
		return errors.New("--token must be a valid hex address")
	}
	if *decimals < -1 || *decimals > 255 {
		return errors.New("--decimals must be between 0 and 255, or -1")
	}
	if *listFrom != "" && (*recipients != "" || *amounts != "") {
		return errors.New("--list-from cannot be combined with --recipients/--amounts")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	r, a := *recipients, *amounts
	if *listFrom != "" {
		var err error
		r, a, err = loadPairs(ctx, *listFrom)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(r) == "" || strings.TrimSpace(a) == "" {
		return errors.New("recipients and amounts are required (--recipients/--amounts or --list-from)")
	}

	req := events.Request{
		Version:    events.RequestVersion,
		ID:         strings.TrimSpace(*id),
		Token:      common.HexToAddress(strings.TrimSpace(*token)).Hex(),
		Recipients: r,
		Amounts:    a,
	}
	if *decimals >= 0 {
		d := uint8(*decimals)
		req.Decimals = &d
		if _, err := batchprep.Prepare(r, a, d); err != nil {
			return err
		}
	}
	if req.ID == "" {
		req.ID = contentID(req)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   *queueDriver,
		Brokers:  queue.SplitCommaList(*queueBrokers),
		ClientID: "airdrop-enqueue",
		Writer:   stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	return producer.Publish(ctx, *topic, []byte(req.ID), payload)
}

func loadPairs(ctx context.Context, location string) (string, string, error) {
	cfg := listsource.Config{}
	if strings.HasPrefix(strings.TrimSpace(location), "s3://") {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", "", fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	text, err := listsource.New(cfg).Load(ctx, location)
	if err != nil {
		return "", "", err
	}
	return listsource.SplitPairs(text)
}

// contentID names a request by what it sends, so enqueueing the same
// airdrop twice yields the same id.
func contentID(r events.Request) string {
	d := "-"
	if r.Decimals != nil {
		d = fmt.Sprint(*r.Decimals)
	}
	h := crypto.Keccak256Hash([]byte(strings.Join([]string{r.Token, r.Recipients, r.Amounts, d}, "\x00")))
	return h.Hex()
}
