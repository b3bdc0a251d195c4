package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

func TestParse_DispatcherRecord(t *testing.T) {
	p := &Parser{}
	line := "node=host1 type=SYSCALL msg=audit(1700000001.123:42): arch=c000003e syscall=59 a0=7ffd"

	rec, err := p.Parse([]byte(line))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if rec.Node != "host1" {
		t.Errorf("node = %q, want %q", rec.Node, "host1")
	}
	if rec.TypeName != "SYSCALL" {
		t.Errorf("type_name = %q, want %q", rec.TypeName, "SYSCALL")
	}
	if rec.TypeCode != types.RecordTypeSyscall {
		t.Errorf("type_code = %d, want %d", rec.TypeCode, types.RecordTypeSyscall)
	}
	want := types.EventId{Seconds: 1700000001, Milliseconds: 123, Serial: 42}
	if rec.EventId != want {
		t.Errorf("event_id = %v, want %v", rec.EventId, want)
	}

	wantFields := []types.Field{
		{Name: "arch", Value: "c000003e"},
		{Name: "syscall", Value: "59"},
		{Name: "a0", Value: "7ffd"},
	}
	if len(rec.Fields) != len(wantFields) {
		t.Fatalf("got %d fields, want %d", len(rec.Fields), len(wantFields))
	}
	for i, f := range wantFields {
		if rec.Fields[i] != f {
			t.Errorf("field %d = %v, want %v", i, rec.Fields[i], f)
		}
	}
}

func TestParse_EmbeddedMsgBlock(t *testing.T) {
	p := &Parser{}
	line := "type=USER_CMD msg=audit(1.002:3): pid=10 msg='cmd=ls cwd=/tmp'"

	rec, err := p.Parse([]byte(line))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := types.EventId{Seconds: 1, Milliseconds: 2, Serial: 3}
	if rec.EventId != want {
		t.Errorf("event_id = %v, want %v", rec.EventId, want)
	}

	got := make(map[string]string)
	for _, f := range rec.Fields {
		got[f.Name] = f.Value
	}
	for name, value := range map[string]string{"pid": "10", "cmd": "ls", "cwd": "/tmp"} {
		if got[name] != value {
			t.Errorf("field %s = %q, want %q", name, got[name], value)
		}
	}
}

func TestParse_KernelDirect(t *testing.T) {
	p := &Parser{}
	rec, err := p.Parse([]byte("audit(5.000:9): op=test res=1"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.Node != "" || rec.TypeName != "" || rec.TypeCode != types.RecordTypeUnknown {
		t.Errorf("kernel-direct record got node=%q type=%q code=%d", rec.Node, rec.TypeName, rec.TypeCode)
	}
	if rec.EventId.Serial != 9 {
		t.Errorf("serial = %d, want 9", rec.EventId.Serial)
	}

	SetTypeCode(rec, types.RecordTypeSyscall)
	if rec.TypeName != "SYSCALL" || rec.TypeCode != types.RecordTypeSyscall {
		t.Errorf("SetTypeCode gave type=%q code=%d", rec.TypeName, rec.TypeCode)
	}
}

func TestParse_UnknownTypeKeepsName(t *testing.T) {
	p := &Parser{}
	rec, err := p.Parse([]byte("type=FUTURE_THING msg=audit(1.000:1): a=b"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.TypeCode != types.RecordTypeUnknown {
		t.Errorf("type_code = %d, want 0", rec.TypeCode)
	}
	if rec.TypeName != "FUTURE_THING" {
		t.Errorf("type_name = %q, want FUTURE_THING", rec.TypeName)
	}
}

func TestParse_DropsBareTokens(t *testing.T) {
	p := &Parser{}
	rec, err := p.Parse([]byte("type=SYSCALL msg=audit(1.000:1): a=1 stray b=2"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(rec.Fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(rec.Fields))
	}
	if rec.Fields[0].Name != "a" || rec.Fields[1].Name != "b" {
		t.Errorf("fields = %v", rec.Fields)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"no audit block", "type=SYSCALL something=else"},
		{"missing dot", "type=SYSCALL msg=audit(1700:42): a=1"},
		{"missing colon", "type=SYSCALL msg=audit(1700.123): a=1"},
		{"msec too short", "type=SYSCALL msg=audit(1.02:3): a=1"},
		{"msec too long", "type=SYSCALL msg=audit(1.0002:3): a=1"},
		{"non-digit seconds", "type=SYSCALL msg=audit(x.002:3): a=1"},
		{"negative serial", "type=SYSCALL msg=audit(1.002:-3): a=1"},
		{"truncated after type", "type=SYSCALL"},
		{"oversized", "type=SYSCALL msg=audit(1.002:3): " + strings.Repeat("a", MaxRecordSize)},
	}

	p := &Parser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Parse([]byte(tt.line)); !errors.Is(err, ErrParse) {
				t.Errorf("Parse(%q) error = %v, want ErrParse", tt.line, err)
			}
		})
	}
}

func TestParse_FieldsBorrowFromInput(t *testing.T) {
	p := &Parser{}
	line := "type=SYSCALL msg=audit(1.000:1): exe=\"/bin/ls\" key=(null)"
	rec, err := p.Parse([]byte(line))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for _, f := range rec.Fields {
		if !strings.Contains(line, f.Name) || !strings.Contains(line, f.Value) {
			t.Errorf("field %v not contained in input", f)
		}
	}
}

func TestParse_NoPanicOnArbitraryInput(t *testing.T) {
	p := &Parser{}
	inputs := []string{
		"msg='",
		"node=",
		"type=",
		"audit():",
		"audit(.:):",
		"node=a type=b msg=audit(1.000:1):",
		"'''' ''",
		"\n\n\n",
		"msg=audit(18446744073709551615.999:18446744073709551615): a=1",
		"msg=audit(99999999999999999999.999:1): a=1",
	}
	for _, in := range inputs {
		rec, err := p.Parse([]byte(in))
		if err == nil && rec == nil {
			t.Errorf("Parse(%q) returned neither record nor error", in)
		}
	}
}
