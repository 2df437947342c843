package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/batchprep"
	"github.com/tsender/airdrop/internal/bootstrap"
	"github.com/tsender/airdrop/internal/listsource"
	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/retry"
	"github.com/tsender/airdrop/internal/secrets"
)

type inputFlags struct {
	Recipients     string
	Amounts        string
	RecipientsFrom string
	AmountsFrom    string
	ListFrom       string
}

func main() {
	chainFlags := bootstrap.RegisterChainFlags(flag.CommandLine)
	eventFlags := bootstrap.RegisterEventFlags(flag.CommandLine)

	var in inputFlags
	flag.StringVar(&in.Recipients, "recipients", "", "recipient addresses separated by commas or newlines")
	flag.StringVar(&in.Amounts, "amounts", "", "amounts in token units, same order as --recipients")
	flag.StringVar(&in.RecipientsFrom, "recipients-from", "", "load --recipients from a path, file://, or s3://bucket/key")
	flag.StringVar(&in.AmountsFrom, "amounts-from", "", "load --amounts from a path, file://, or s3://bucket/key")
	flag.StringVar(&in.ListFrom, "list-from", "", "load address,amount lines from a path, file://, or s3://bucket/key")

	var (
		tokenFlag    = flag.String("token", "", "ERC-20 token address (required)")
		decimalsFlag = flag.Int("decimals", -1, "token decimals; -1 reads them from the token contract")
		retries      = flag.Int("retry", 0, "retry a retryable failure up to N times before giving up")
		retryWait    = flag.Duration("retry-wait", 5*time.Second, "pause before each --retry attempt")
		runTimeout   = flag.Duration("timeout", 30*time.Minute, "overall timeout for the airdrop")
		dryRun       = flag.Bool("dry-run", false, "validate the batch and print a summary without touching the chain")
		maxListBytes = flag.Int64("max-list-bytes", 4<<20, "maximum size of a loaded list (bytes)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if !common.IsHexAddress(strings.TrimSpace(*tokenFlag)) {
		fmt.Fprintln(os.Stderr, "error: --token must be a valid hex address")
		os.Exit(2)
	}
	token := common.HexToAddress(strings.TrimSpace(*tokenFlag))
	if *decimalsFlag < -1 || *decimalsFlag > 255 {
		fmt.Fprintln(os.Stderr, "error: --decimals must be between 0 and 255, or -1")
		os.Exit(2)
	}
	if *retries < 0 || *retryWait < 0 || *runTimeout <= 0 || *maxListBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --retry, --retry-wait, --timeout and --max-list-bytes must be >= 0 (timeout and size > 0)")
		os.Exit(2)
	}
	if err := in.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if !*dryRun {
		if err := chainFlags.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		if err := eventFlags.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *runTimeout)
	defer cancel()

	loaderCfg := listsource.Config{MaxBytes: *maxListBytes}
	if in.needsS3() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(1)
		}
		loaderCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	recipients, amounts, err := in.load(ctx, listsource.New(loaderCfg))
	if err != nil {
		log.Error("load inputs", "err", err)
		os.Exit(1)
	}

	if *dryRun {
		decimals := uint8(batchprep.DefaultDecimals)
		if *decimalsFlag >= 0 {
			decimals = uint8(*decimalsFlag)
		}
		if !dryRunReport(os.Stdout, recipients, amounts, decimals) {
			os.Exit(1)
		}
		return
	}

	c, err := bootstrap.DialChain(ctx, chainFlags, &secrets.Resolver{}, log)
	if err != nil {
		log.Error("connect", "err", err)
		if errors.Is(err, bootstrap.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	defer c.Close()
	owner := c.Gateway.Owner()

	ev, err := bootstrap.NewEvents(eventFlags, owner.Hex(), log)
	if err != nil {
		log.Error("init events", "err", err)
		os.Exit(2)
	}
	defer func() { _ = ev.Close() }()

	publish := ev.Observe(ctx)
	orch, err := c.Orchestrator(func(s orchestrator.Snapshot) {
		log.Info("state", "phase", s.Phase, "label", s.Label, "step", fmt.Sprintf("%d/%d", s.Progress.Current, s.Progress.Total))
		if publish != nil {
			publish(s)
		}
	}, log)
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	var decimals uint8
	if *decimalsFlag >= 0 {
		decimals = uint8(*decimalsFlag)
	} else {
		decimals, err = c.Gateway.ReadDecimals(ctx, token)
		if err != nil {
			log.Error("read token decimals", "token", token, "err", err)
			os.Exit(1)
		}
	}

	if b, err := batchprep.Prepare(recipients, amounts, decimals); err == nil {
		if bal, err := c.Gateway.ReadBalance(ctx, token, owner); err == nil && bal.Lt(b.Total()) {
			log.Warn("token balance is below the batch total",
				"balance", batchprep.FormatUnits(bal, decimals),
				"total", batchprep.FormatUnits(b.Total(), decimals))
		}
	}

	log.Info("airdrop starting", "owner", owner, "token", token, "chainID", c.ChainID, "decimals", decimals)
	err = orch.Start(ctx, orchestrator.Request{
		Token:      token,
		Recipients: recipients,
		Amounts:    amounts,
		Decimals:   &decimals,
	})
	for attempt := 1; err != nil && attempt <= *retries && orch.Snapshot().CanRetry; attempt++ {
		log.Warn("retrying", "attempt", attempt, "of", *retries, "err", err)
		if werr := retry.Sleep(ctx, *retryWait); werr != nil {
			break
		}
		err = orch.Retry(ctx)
	}

	if !writeOutcome(os.Stdout, os.Stderr, orch.Snapshot()) {
		os.Exit(1)
	}
}

func (in inputFlags) validate() error {
	inline := in.Recipients != "" || in.Amounts != ""
	fromFiles := in.RecipientsFrom != "" || in.AmountsFrom != ""
	switch {
	case in.ListFrom != "" && (inline || fromFiles):
		return errors.New("--list-from cannot be combined with --recipients/--amounts flags")
	case in.ListFrom != "":
		return nil
	case in.Recipients != "" && in.RecipientsFrom != "":
		return errors.New("use only one of --recipients or --recipients-from")
	case in.Amounts != "" && in.AmountsFrom != "":
		return errors.New("use only one of --amounts or --amounts-from")
	case !inline && !fromFiles:
		return errors.New("recipients and amounts are required (--recipients/--amounts, --*-from, or --list-from)")
	}
	return nil
}

func (in inputFlags) needsS3() bool {
	for _, loc := range []string{in.RecipientsFrom, in.AmountsFrom, in.ListFrom} {
		if strings.HasPrefix(strings.TrimSpace(loc), "s3://") {
			return true
		}
	}
	return false
}

func (in inputFlags) load(ctx context.Context, l *listsource.Loader) (string, string, error) {
	if in.ListFrom != "" {
		text, err := l.Load(ctx, in.ListFrom)
		if err != nil {
			return "", "", err
		}
		return listsource.SplitPairs(text)
	}
	recipients, amounts := in.Recipients, in.Amounts
	if in.RecipientsFrom != "" {
		v, err := l.Load(ctx, in.RecipientsFrom)
		if err != nil {
			return "", "", fmt.Errorf("recipients: %w", err)
		}
		recipients = v
	}
	if in.AmountsFrom != "" {
		v, err := l.Load(ctx, in.AmountsFrom)
		if err != nil {
			return "", "", fmt.Errorf("amounts: %w", err)
		}
		amounts = v
	}
	return recipients, amounts, nil
}

// dryRunReport prints every input problem and, when the batch is usable,
// its summary. It reports whether the batch is clean.
func dryRunReport(w io.Writer, recipients, amounts string, decimals uint8) bool {
	issues := batchprep.Inspect(recipients, amounts, decimals)
	for _, is := range issues {
		fmt.Fprintf(w, "skip %s[%d] %q: %s\n", is.Field, is.Index, is.Token, is.Reason)
	}
	b, err := batchprep.Prepare(recipients, amounts, decimals)
	if err != nil {
		fmt.Fprintf(w, "invalid batch: %v\n", err)
		return false
	}
	fmt.Fprintf(w, "recipients: %d\n", b.Len())
	fmt.Fprintf(w, "total:      %s (%s base units)\n", batchprep.FormatUnits(b.Total(), decimals), b.Total().Dec())
	fmt.Fprintf(w, "batch id:   %s\n", b.ID().Hex())
	return len(issues) == 0
}

// writeOutcome prints the final state and reports whether it succeeded.
func writeOutcome(stdout, stderr io.Writer, s orchestrator.Snapshot) bool {
	if s.ApprovalTx != nil {
		fmt.Fprintf(stdout, "approval tx: %s\n", s.ApprovalTx.Hex())
	}
	if s.TransferTx != nil {
		fmt.Fprintf(stdout, "transfer tx: %s\n", s.TransferTx.Hex())
	}
	if s.Phase == orchestrator.PhaseSuccess {
		fmt.Fprintf(stdout, "%s: %d recipients\n", s.Label, s.Recipients)
		return true
	}
	if e := s.LastError; e != nil {
		fmt.Fprintf(stderr, "%s (%s)\n", e.Message, e.Category)
		fmt.Fprintf(stderr, "%s\n", e.UserAction)
		if e.TechnicalDetail != "" {
			fmt.Fprintf(stderr, "detail: %s\n", e.TechnicalDetail)
		}
	} else {
		fmt.Fprintf(stderr, "airdrop did not finish: %s\n", s.Label)
	}
	return false
}
