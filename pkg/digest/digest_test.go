package digest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func msg(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

func TestComputeShapeAndOrder(t *testing.T) {
	msgs := []Message{
		msg("system", "you are a helpful assistant"),
		msg("user", "hello"),
		msg("assistant", "hi there"),
		msg("user", "bye"),
	}
	d := Compute(msgs)
	if len(d) != 3*UnitLen {
		t.Fatalf("expected 3 units, got %d chars", len(d))
	}
	if d[0] != '-' || d[UnitLen] != '_' || d[2*UnitLen] != '-' {
		t.Fatalf("unexpected role prefixes in %q", d)
	}
	for i := 0; i < UnitCount(d); i++ {
		hex := d[i*UnitLen+1 : (i+1)*UnitLen]
		if strings.ToLower(hex) != hex || len(hex) != 8 {
			t.Fatalf("unit %d hash %q is not 8 lowercase hex chars", i, hex)
		}
	}

	if again := Compute(msgs); again != d {
		t.Fatalf("digest not deterministic: %q vs %q", d, again)
	}

	swapped := []Message{msgs[0], msgs[3], msgs[2], msgs[1]}
	if Compute(swapped) == d {
		t.Fatal("reordered messages produced an identical digest")
	}
}

func TestComputeEmptyMessagesSaltedByIndex(t *testing.T) {
	msgs := []Message{
		{Role: "user"},
		{Role: "assistant"},
	}
	d := Compute(msgs)
	if len(d) != 2*UnitLen {
		t.Fatalf("expected 2 units, got %d chars", len(d))
	}
	if d[1:UnitLen] == d[UnitLen+1:] {
		t.Fatal("empty messages at different indexes collided")
	}
}

func TestComputeStructuredContent(t *testing.T) {
	content := `[{"type":"text","text":"run it"},{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}}]`
	m := Message{Role: "assistant", Content: json.RawMessage(content)}
	d := Compute([]Message{m})
	if len(d) != UnitLen || d[0] != '_' {
		t.Fatalf("unexpected digest %q", d)
	}

	changed := Message{Role: "assistant", Content: json.RawMessage(
		`[{"type":"text","text":"run it"},{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"rm"}}]`)}
	if Compute([]Message{changed}) == d {
		t.Fatal("tool input change did not alter the digest")
	}

	unknown := Message{Role: "assistant", Content: json.RawMessage(`[{"type":"mystery","payload":7}]`)}
	if got := Compute([]Message{unknown}); len(got) != UnitLen {
		t.Fatalf("unknown part type produced malformed digest %q", got)
	}
}

func TestCommonUnits(t *testing.T) {
	a := "-abcdefgh_12345678-99999999"
	cases := []struct {
		b    string
		want int
	}{
		{a, 3},
		{"-abcdefgh_12345678", 2},
		{"-abcdefgh_xxxxxxxx-99999999", 1},
		{"_abcdefgh_12345678", 0},
		{"", 0},
	}
	for i, tc := range cases {
		if got := CommonUnits(a, tc.b); got != tc.want {
			t.Fatalf("case %d: expected %d common units, got %d", i, tc.want, got)
		}
	}
}

func TestClassifyCreateAndRefresh(t *testing.T) {
	res, err := Classify("", "-abcdefgh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Action != ActionCreate || res.NewCount != 1 {
		t.Fatalf("unexpected create result %+v", res)
	}

	d := "-abcdefgh_12345678"
	res, err = Classify(d, d)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Action != ActionRefresh || res.OldCount != 2 || res.NewCount != 2 {
		t.Fatalf("unexpected refresh result %+v", res)
	}
}

func TestClassifyAppend(t *testing.T) {
	oldD := "-abcdefgh_12345678"

	res, err := Classify(oldD, "-abcdefgh_12345678-99999999")
	if err != nil {
		t.Fatalf("single append: %v", err)
	}
	if res.Action != ActionAppend || res.OldCount != 2 || res.NewCount != 3 {
		t.Fatalf("unexpected append result %+v", res)
	}

	_, err = Classify(oldD, "-abcdefgh_12345678-99999999_aaaaaaaa")
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Code() != CodeAppendViolation {
		t.Fatalf("expected append violation, got %v", err)
	}

	_, err = Classify(oldD, "-abcdefgh_xxxxxxxx-99999999")
	if !errors.As(err, &viol) || viol.Code() != CodeAppendViolation {
		t.Fatalf("expected append violation for non-prefix growth, got %v", err)
	}
}

func TestClassifyRollback(t *testing.T) {
	oldD := "-abcdefgh_12345678-99999999_bbbbbbbb"

	res, err := Classify(oldD, "-abcdefgh_12345678-99999999")
	if err != nil {
		t.Fatalf("rollback to user turn: %v", err)
	}
	if res.Action != ActionRollback {
		t.Fatalf("unexpected rollback result %+v", res)
	}

	_, err = Classify(oldD, "-abcdefgh_12345678")
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Code() != CodeRollbackViolation {
		t.Fatalf("expected rollback violation at non-user turn, got %v", err)
	}

	_, err = Classify(oldD, "-abcdefgh_xxxxxxxx-99999999")
	if !errors.As(err, &viol) || viol.Code() != CodeRollbackViolation {
		t.Fatalf("expected rollback violation for diverged prefix, got %v", err)
	}
}

func TestClassifyBranch(t *testing.T) {
	res, err := Classify("-12345678_abcdefgh", "-12345678_xxxxxxxx")
	if err != nil {
		t.Fatalf("branch at user turn: %v", err)
	}
	if res.Action != ActionBranch {
		t.Fatalf("unexpected branch result %+v", res)
	}

	_, err = Classify("-12345678_abcdefgh-99999999", "-12345678_abcdefgh-aaaaaaaa")
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Code() != CodeBranchViolation {
		t.Fatalf("expected branch violation at non-user branch point, got %v", err)
	}
}

func TestClassifyContentMismatch(t *testing.T) {
	_, err := Classify("-abcdefgh_12345678", "_zzzzzzzz-yyyyyyyy")
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Code() != CodeContentMismatch {
		t.Fatalf("expected content mismatch, got %v", err)
	}
}
