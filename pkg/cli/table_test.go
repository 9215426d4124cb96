package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable_Rows(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "ROUTER", "DAEMON", "PID")
	tbl.Row("r1", "zebra", "40000")
	tbl.Row("r10", "bgpd", "40001")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if lines[0] != "ROUTER  DAEMON  PID" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "------  ------  ---" {
		t.Errorf("divider = %q", lines[1])
	}
	if lines[3] != "r10     bgpd    40001" {
		t.Errorf("row = %q", lines[3])
	}
}

func TestTable_EmptyWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "A", "B")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table wrote %q", buf.String())
	}
}

func TestTable_Prefix(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "IFACE", "ADDRESS").WithPrefix("  ")
	tbl.Row("r1-eth0", "10.0.10.1/24")
	tbl.Flush()

	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(line, "  ") {
			t.Errorf("line %q missing prefix", line)
		}
	}
}
