package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/listsource"
	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/txerrors"
)

func TestInputFlags_Validate(t *testing.T) {
	t.Parallel()

	ok := []inputFlags{
		{Recipients: "0x01", Amounts: "1"},
		{RecipientsFrom: "r.txt", Amounts: "1"},
		{ListFrom: "s3://b/k"},
	}
	for _, in := range ok {
		if err := in.validate(); err != nil {
			t.Fatalf("%+v: %v", in, err)
		}
	}

	bad := []inputFlags{
		{},
		{ListFrom: "x", Recipients: "0x01"},
		{Recipients: "0x01", RecipientsFrom: "r.txt"},
		{Amounts: "1", AmountsFrom: "a.txt"},
	}
	for _, in := range bad {
		if err := in.validate(); err == nil {
			t.Fatalf("%+v: expected error", in)
		}
	}
}

func TestInputFlags_NeedsS3(t *testing.T) {
	t.Parallel()

	if (inputFlags{RecipientsFrom: "r.txt", AmountsFrom: "file:///a"}).needsS3() {
		t.Fatalf("local inputs should not need s3")
	}
	if !(inputFlags{AmountsFrom: " s3://bucket/amounts.txt"}).needsS3() {
		t.Fatalf("s3 location should need s3")
	}
}

func TestInputFlags_Load(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "recipients.txt")
	if err := os.WriteFile(path, []byte("0x01\n0x02\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := listsource.New(listsource.Config{})
	l.Set("pairs", []byte("address,amount\n0x01,1.5\n0x02,2\n"))

	r, a, err := inputFlags{RecipientsFrom: path, Amounts: "1,2"}.load(context.Background(), l)
	if err != nil {
		t.Fatalf("load files: %v", err)
	}
	if r != "0x01\n0x02\n" || a != "1,2" {
		t.Fatalf("got recipients=%q amounts=%q", r, a)
	}

	r, a, err = inputFlags{ListFrom: "mem://pairs"}.load(context.Background(), l)
	if err != nil {
		t.Fatalf("load pairs: %v", err)
	}
	if !strings.Contains(r, "0x02") || !strings.Contains(a, "1.5") {
		t.Fatalf("pairs: recipients=%q amounts=%q", r, a)
	}

	if _, _, err := (inputFlags{AmountsFrom: "mem://missing", Recipients: "0x01"}).load(context.Background(), l); !errors.Is(err, listsource.ErrNotFound) {
		t.Fatalf("missing list: got %v", err)
	}
}

func TestDryRunReport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	clean := dryRunReport(&buf,
		"0x1111111111111111111111111111111111111111,0x2222222222222222222222222222222222222222",
		"1.5,2", 6)
	if !clean {
		t.Fatalf("expected clean batch:\n%s", buf.String())
	}
	out := buf.String()
	if !strings.Contains(out, "recipients: 2") || !strings.Contains(out, "3500000 base units") {
		t.Fatalf("summary:\n%s", out)
	}

	buf.Reset()
	if dryRunReport(&buf, "0x1111111111111111111111111111111111111111,nope", "1,2", 6) {
		t.Fatalf("expected issues to be reported")
	}
	if !strings.Contains(buf.String(), "skip recipients[1]") {
		t.Fatalf("issues:\n%s", buf.String())
	}

	buf.Reset()
	if dryRunReport(&buf, "", "", 18) {
		t.Fatalf("empty batch should fail")
	}
	if !strings.Contains(buf.String(), "invalid batch") {
		t.Fatalf("empty:\n%s", buf.String())
	}
}

func TestWriteOutcome(t *testing.T) {
	t.Parallel()

	transfer := common.HexToHash("0xfeed")
	var stdout, stderr bytes.Buffer
	ok := writeOutcome(&stdout, &stderr, orchestrator.Snapshot{
		State:      orchestrator.State{Phase: orchestrator.PhaseSuccess, TransferTx: &transfer},
		Label:      orchestrator.PhaseSuccess.Label(),
		Recipients: 3,
	})
	if !ok {
		t.Fatalf("success should report ok")
	}
	if !strings.Contains(stdout.String(), "transfer tx: "+transfer.Hex()) || !strings.Contains(stdout.String(), "3 recipients") {
		t.Fatalf("stdout:\n%s", stdout.String())
	}

	stdout.Reset()
	ok = writeOutcome(&stdout, &stderr, orchestrator.Snapshot{
		State: orchestrator.State{
			Phase:     orchestrator.PhaseError,
			LastError: txerrors.New(txerrors.CategoryInsufficientFunds, errors.New("transfer amount exceeds balance")),
		},
	})
	if ok {
		t.Fatalf("error should not report ok")
	}
	if !strings.Contains(stderr.String(), "insufficient_funds") || !strings.Contains(stderr.String(), "exceeds balance") {
		t.Fatalf("stderr:\n%s", stderr.String())
	}
}
