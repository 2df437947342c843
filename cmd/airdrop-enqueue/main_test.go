package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsender/airdrop/internal/events"
)

const token = "0x00000000000000000000000000000000000000bb"

func TestRunMain_StdioPublishesDecodableRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--queue-driver", "stdio",
		"--token", token,
		"--recipients", "0x1111111111111111111111111111111111111111",
		"--amounts", "2.5",
		"--decimals", "6",
	}, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	req, err := events.DecodeRequest(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("DecodeRequest(%q): %v", out.String(), err)
	}
	if req.Decimals == nil || *req.Decimals != 6 || req.Amounts != "2.5" {
		t.Fatalf("request: %+v", req)
	}
	if !strings.HasPrefix(req.ID, "0x") || len(req.ID) != 66 {
		t.Fatalf("content id: %q", req.ID)
	}
}

func TestRunMain_ContentIDIsStable(t *testing.T) {
	t.Parallel()

	args := []string{"--queue-driver", "stdio", "--token", token, "--recipients", "0x01", "--amounts", "1"}
	var a, b bytes.Buffer
	if err := runMain(args, &a); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if err := runMain(args, &b); err != nil {
		t.Fatalf("runMain #2: %v", err)
	}
	if a.String() != b.String() {
		t.Fatalf("same input should publish the same record:\n%s\n%s", a.String(), b.String())
	}

	var c bytes.Buffer
	if err := runMain(append(args, "--id", "custom-1"), &c); err != nil {
		t.Fatalf("runMain --id: %v", err)
	}
	req, err := events.DecodeRequest(bytes.TrimSpace(c.Bytes()))
	if err != nil || req.ID != "custom-1" {
		t.Fatalf("explicit id: %+v %v", req, err)
	}
}

func TestRunMain_ListFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "list.csv")
	if err := os.WriteFile(path, []byte("address,amount\n0x01,1\n0x02,2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := runMain([]string{"--queue-driver", "stdio", "--token", token, "--list-from", path}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	req, err := events.DecodeRequest(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Recipients != "0x01\n0x02" || req.Amounts != "1\n2" || req.Decimals != nil {
		t.Fatalf("request: %+v", req)
	}
}

func TestRunMain_Rejects(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"--queue-driver", "stdio", "--recipients", "0x01", "--amounts", "1"},
		{"--queue-driver", "stdio", "--token", token},
		{"--queue-driver", "stdio", "--token", token, "--list-from", "x.csv", "--amounts", "1"},
		{"--queue-driver", "stdio", "--token", token, "--recipients", "nope", "--amounts", "1", "--decimals", "6"},
		{"--queue-driver", "nats", "--token", token, "--recipients", "0x01", "--amounts", "1"},
	}
	for _, args := range cases {
		var out bytes.Buffer
		if err := runMain(args, &out); err == nil {
			t.Fatalf("%v: expected error", args)
		}
		if out.Len() != 0 {
			t.Fatalf("%v: nothing should be published, got %q", args, out.String())
		}
	}
}
