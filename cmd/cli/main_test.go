// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseSeqs(t *testing.T) {
	seqs, err := parseSeqs([]string{"4", "17"})
	if err != nil {
		t.Fatalf("parse seqs: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 17 {
		t.Fatalf("unexpected seqs %v", seqs)
	}

	for _, args := range [][]string{nil, {"abc"}, {"0"}, {"5", "-1"}} {
		if _, err := parseSeqs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestPrintUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for _, cmd := range []string{"validate", "migrate", "sweep", "failed", "requeue"} {
		if !strings.Contains(buf.String(), cmd) {
			t.Fatalf("usage is missing %q", cmd)
		}
	}
}

func TestWriteIndented(t *testing.T) {
	var buf bytes.Buffer
	if err := writeIndented(&buf, map[string]int{"evaluated": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "{\n  \"evaluated\": 2\n}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
